// Package opcuatest provides an in-memory OPC UA session for tests. It serves a
// small address space for browse and read requests and lets tests push data
// change notifications into subscriptions.
package opcuatest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/opcua"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	gopcua "github.com/gopcua/opcua"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// ErrConnectionRefused is returned by Connect when a failure was queued.
var ErrConnectionRefused = errors.New("connection refused")

// Node is one node of the fake address space.
type Node struct {
	NodeID         string
	BrowseName     string
	DisplayName    string
	Description    string
	Class          ua.NodeClass
	TypeDefinition string
	DataType       string
	Children       []string
}

// AddressSpace is a set of nodes keyed by node id.
type AddressSpace struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

// NewAddressSpace returns an address space holding only the Objects folder
// under the root folder.
func NewAddressSpace() *AddressSpace {
	root := ua.NewNumericNodeID(0, id.RootFolder).String()
	objects := ua.NewNumericNodeID(0, id.ObjectsFolder).String()
	folderType := ua.NewNumericNodeID(0, id.FolderType).String()

	a := &AddressSpace{nodes: make(map[string]*Node)}
	a.nodes[root] = &Node{NodeID: root, BrowseName: "Root", Class: ua.NodeClassObject, TypeDefinition: folderType}
	a.nodes[objects] = &Node{NodeID: objects, BrowseName: "Objects", Class: ua.NodeClassObject, TypeDefinition: folderType}
	a.nodes[root].Children = []string{objects}
	return a
}

// Add inserts node as a child of parent.
func (a *AddressSpace) Add(parent string, node Node) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := node
	a.nodes[n.NodeID] = &n
	if p, ok := a.nodes[parent]; ok {
		p.Children = append(p.Children, n.NodeID)
	}
}

// AddVariable inserts a BaseDataVariable of the given builtin data type id.
func (a *AddressSpace) AddVariable(parent, nodeID, name string, dataType uint32) {
	a.Add(parent, Node{
		NodeID:         nodeID,
		BrowseName:     name,
		DisplayName:    name,
		Class:          ua.NodeClassVariable,
		TypeDefinition: ua.NewNumericNodeID(0, id.BaseDataVariableType).String(),
		DataType:       ua.NewNumericNodeID(0, dataType).String(),
	})
}

// AddFolder inserts a FolderType object.
func (a *AddressSpace) AddFolder(parent, nodeID, name string) {
	a.Add(parent, Node{
		NodeID:         nodeID,
		BrowseName:     name,
		DisplayName:    name,
		Class:          ua.NodeClassObject,
		TypeDefinition: ua.NewNumericNodeID(0, id.FolderType).String(),
	})
}

func (a *AddressSpace) node(nodeID string) (*Node, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n, ok := a.nodes[nodeID]
	return n, ok
}

// Dialer hands out Sessions serving one address space. Its Dial method
// satisfies opcua.Dialer.
type Dialer struct {
	Space   *AddressSpace
	Prepare func(*Session)

	mu       sync.Mutex
	sessions []*Session
	profiles []domain.ConnectionProfile
}

// NewDialer creates a dialer over space, or over an empty address space when nil.
func NewDialer(space *AddressSpace) *Dialer {
	if space == nil {
		space = NewAddressSpace()
	}
	return &Dialer{Space: space}
}

// Dial builds a new Session.
func (d *Dialer) Dial(endpoint string, profile domain.ConnectionProfile, cfg opcua.ConnectionConfig) (opcua.Session, error) {
	s := NewSession(d.Space)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Prepare != nil {
		d.Prepare(s)
	}
	d.sessions = append(d.sessions, s)
	d.profiles = append(d.profiles, profile)
	return s, nil
}

// Count returns the number of sessions built.
func (d *Dialer) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

// Last returns the most recent session, or nil.
func (d *Dialer) Last() *Session {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

// Session is an in-memory opcua.Session.
type Session struct {
	space *AddressSpace

	mu           sync.Mutex
	state        gopcua.ConnState
	connectErrs  []error
	connects     int
	closes       int
	subscribeErr error
	browseErr    error
	readErrs     map[string]error
	subs         []*Subscription

	// PageSize limits references per browse result; 0 returns all.
	PageSize int
	cps      map[string][]string
	nextCP   int
}

// NewSession creates a closed session over space.
func NewSession(space *AddressSpace) *Session {
	if space == nil {
		space = NewAddressSpace()
	}
	return &Session{
		space:    space,
		state:    gopcua.Closed,
		readErrs: make(map[string]error),
		cps:      make(map[string][]string),
	}
}

func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.connects++
	if len(s.connectErrs) > 0 {
		err := s.connectErrs[0]
		s.connectErrs = s.connectErrs[1:]
		return err
	}
	s.state = gopcua.Connected
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	s.state = gopcua.Closed
	return nil
}

func (s *Session) State() gopcua.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Drop simulates loss of the secure channel.
func (s *Session) Drop() {
	s.mu.Lock()
	s.state = gopcua.Disconnected
	s.mu.Unlock()
}

// FailConnects makes the next n Connect calls fail.
func (s *Session) FailConnects(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.connectErrs = append(s.connectErrs, ErrConnectionRefused)
	}
}

// ClearFailures drops queued Connect failures.
func (s *Session) ClearFailures() {
	s.mu.Lock()
	s.connectErrs = nil
	s.mu.Unlock()
}

// Connects returns the number of Connect calls.
func (s *Session) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// FailBrowse makes every browse request return err; nil restores normal behavior.
func (s *Session) FailBrowse(err error) {
	s.mu.Lock()
	s.browseErr = err
	s.mu.Unlock()
}

// FailRead makes reads of one attribute of nodeID return err.
func (s *Session) FailRead(nodeID string, attr ua.AttributeID, err error) {
	s.mu.Lock()
	s.readErrs[readKey(nodeID, attr)] = err
	s.mu.Unlock()
}

// FailSubscribe makes Subscribe return err.
func (s *Session) FailSubscribe(err error) {
	s.mu.Lock()
	s.subscribeErr = err
	s.mu.Unlock()
}

func (s *Session) Browse(ctx context.Context, req *ua.BrowseRequest) (*ua.BrowseResponse, error) {
	s.mu.Lock()
	err := s.browseErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp := &ua.BrowseResponse{}
	for _, desc := range req.NodesToBrowse {
		node, ok := s.space.node(desc.NodeID.String())
		if !ok {
			resp.Results = append(resp.Results, &ua.BrowseResult{StatusCode: ua.StatusBadNodeIDUnknown})
			continue
		}
		resp.Results = append(resp.Results, s.page(append([]string(nil), node.Children...)))
	}
	return resp, nil
}

func (s *Session) BrowseNext(ctx context.Context, req *ua.BrowseNextRequest) (*ua.BrowseNextResponse, error) {
	s.mu.Lock()
	err := s.browseErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	resp := &ua.BrowseNextResponse{}
	for _, cp := range req.ContinuationPoints {
		s.mu.Lock()
		remaining, ok := s.cps[string(cp)]
		delete(s.cps, string(cp))
		s.mu.Unlock()

		if !ok {
			resp.Results = append(resp.Results, &ua.BrowseResult{StatusCode: ua.StatusBadContinuationPointInvalid})
			continue
		}
		resp.Results = append(resp.Results, s.page(remaining))
	}
	return resp, nil
}

// page renders up to PageSize children and parks the rest behind a continuation point.
func (s *Session) page(children []string) *ua.BrowseResult {
	s.mu.Lock()
	size := s.PageSize
	s.mu.Unlock()

	result := &ua.BrowseResult{StatusCode: ua.StatusOK}
	if size > 0 && len(children) > size {
		s.mu.Lock()
		s.nextCP++
		cp := fmt.Sprintf("cp-%d", s.nextCP)
		s.cps[cp] = children[size:]
		s.mu.Unlock()

		result.ContinuationPoint = []byte(cp)
		children = children[:size]
	}

	for _, childID := range children {
		child, ok := s.space.node(childID)
		if !ok {
			continue
		}
		ref := &ua.ReferenceDescription{
			ReferenceTypeID: ua.NewNumericNodeID(0, id.Organizes),
			IsForward:       true,
			NodeID:          &ua.ExpandedNodeID{NodeID: ua.MustParseNodeID(child.NodeID)},
			BrowseName:      &ua.QualifiedName{Name: child.BrowseName},
			DisplayName:     &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: child.DisplayName},
			NodeClass:       child.Class,
		}
		if child.TypeDefinition != "" {
			ref.TypeDefinition = &ua.ExpandedNodeID{NodeID: ua.MustParseNodeID(child.TypeDefinition)}
		}
		result.References = append(result.References, ref)
	}
	return result
}

func (s *Session) Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	resp := &ua.ReadResponse{}
	for _, rv := range req.NodesToRead {
		nodeID := rv.NodeID.String()

		s.mu.Lock()
		err := s.readErrs[readKey(nodeID, rv.AttributeID)]
		s.mu.Unlock()
		if err != nil {
			return nil, err
		}

		resp.Results = append(resp.Results, s.readValue(nodeID, rv.AttributeID))
	}
	return resp, nil
}

func (s *Session) readValue(nodeID string, attr ua.AttributeID) *ua.DataValue {
	node, ok := s.space.node(nodeID)
	if !ok {
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadNodeIDUnknown}
	}

	var value any
	switch attr {
	case ua.AttributeIDBrowseName:
		value = &ua.QualifiedName{Name: node.BrowseName}
	case ua.AttributeIDDisplayName:
		value = &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: node.DisplayName}
	case ua.AttributeIDDescription:
		value = &ua.LocalizedText{EncodingMask: ua.LocalizedTextText, Text: node.Description}
	case ua.AttributeIDDataType:
		if node.DataType == "" {
			return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadAttributeIDInvalid}
		}
		value = ua.MustParseNodeID(node.DataType)
	default:
		return &ua.DataValue{EncodingMask: ua.DataValueStatusCode, Status: ua.StatusBadAttributeIDInvalid}
	}

	return &ua.DataValue{
		EncodingMask: ua.DataValueValue,
		Value:        ua.MustVariant(value),
		Status:       ua.StatusOK,
	}
}

func (s *Session) Subscribe(ctx context.Context, params *gopcua.SubscriptionParameters, notifyCh chan<- *gopcua.PublishNotificationData) (opcua.ProtocolSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	sub := &Subscription{
		Params:   params,
		notify:   notifyCh,
		items:    make(map[string]item),
		failures: make(map[string]error),
	}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// Subscriptions returns every subscription created on this session.
func (s *Session) Subscriptions() []*Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Subscription(nil), s.subs...)
}

// LastSubscription returns the most recent subscription, or nil.
func (s *Session) LastSubscription() *Subscription {
	subs := s.Subscriptions()
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func readKey(nodeID string, attr ua.AttributeID) string {
	return fmt.Sprintf("%s#%d", nodeID, attr)
}

type item struct {
	monitoredItemID uint32
	clientHandle    uint32
	request         *ua.MonitoredItemCreateRequest
}

// Subscription records monitored items and lets tests push notifications.
type Subscription struct {
	Params *gopcua.SubscriptionParameters

	mu        sync.Mutex
	notify    chan<- *gopcua.PublishNotificationData
	nextID    uint32
	items     map[string]item
	failures  map[string]error
	removed   []uint32
	cancelled bool
}

func (f *Subscription) Monitor(ctx context.Context, ts ua.TimestampsToReturn, items ...*ua.MonitoredItemCreateRequest) (*ua.CreateMonitoredItemsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &ua.CreateMonitoredItemsResponse{}
	for _, req := range items {
		nodeID := req.ItemToMonitor.NodeID.String()
		if err, ok := f.failures[nodeID]; ok {
			return nil, err
		}
		f.nextID++
		f.items[nodeID] = item{
			monitoredItemID: f.nextID,
			clientHandle:    req.RequestedParameters.ClientHandle,
			request:         req,
		}
		resp.Results = append(resp.Results, &ua.MonitoredItemCreateResult{
			StatusCode:      ua.StatusOK,
			MonitoredItemID: f.nextID,
		})
	}
	return resp, nil
}

func (f *Subscription) Unmonitor(ctx context.Context, ids ...uint32) (*ua.DeleteMonitoredItemsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removed = append(f.removed, ids...)
	for nodeID, it := range f.items {
		for _, removed := range ids {
			if it.monitoredItemID == removed {
				delete(f.items, nodeID)
			}
		}
	}
	return &ua.DeleteMonitoredItemsResponse{Results: make([]ua.StatusCode, len(ids))}, nil
}

func (f *Subscription) Cancel(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = true
	return nil
}

// FailMonitor makes Monitor fail for nodeID.
func (f *Subscription) FailMonitor(nodeID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[nodeID] = err
}

// Monitored returns the node ids that currently have a monitored item.
func (f *Subscription) Monitored() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	nodes := make([]string, 0, len(f.items))
	for nodeID := range f.items {
		nodes = append(nodes, nodeID)
	}
	return nodes
}

// Request returns the create request used for nodeID, or nil.
func (f *Subscription) Request(nodeID string) *ua.MonitoredItemCreateRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.items[nodeID].request
}

// Cancelled reports whether Cancel was called.
func (f *Subscription) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled
}

// Push delivers one data change for nodeID to the subscription consumer.
func (f *Subscription) Push(nodeID string, value any, status ua.StatusCode, ts time.Time) {
	f.mu.Lock()
	handle := f.items[nodeID].clientHandle
	f.mu.Unlock()

	dv := &ua.DataValue{
		EncodingMask: ua.DataValueValue | ua.DataValueStatusCode,
		Value:        ua.MustVariant(value),
		Status:       status,
	}
	if !ts.IsZero() {
		dv.EncodingMask |= ua.DataValueSourceTimestamp
		dv.SourceTimestamp = ts
	}

	f.notify <- &gopcua.PublishNotificationData{
		Value: &ua.DataChangeNotification{
			MonitoredItems: []*ua.MonitoredItemNotification{{ClientHandle: handle, Value: dv}},
		},
	}
}

// PushStatus delivers a subscription status change.
func (f *Subscription) PushStatus(status ua.StatusCode) {
	f.notify <- &gopcua.PublishNotificationData{
		Value: &ua.StatusChangeNotification{Status: status},
	}
}
