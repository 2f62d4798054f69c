package opcua

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/TCC-OPCUAgua/opcuagua/internal/metrics"
	"github.com/TCC-OPCUAgua/opcuagua/pkg/logging"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RootNodeID is browsed when no node is given.
var RootNodeID = ua.NewNumericNodeID(0, id.RootFolder).String()

// Browser issues browse requests against the live session and normalizes
// every reference into a domain.NodeDescriptor.
type Browser struct {
	sessions SessionProvider
	logger   zerolog.Logger
	metrics  *metrics.Registry

	// maxReferences caps references per node per page; 0 lets the server decide.
	maxReferences uint32

	// names caches BrowseNames of type definition and data type nodes.
	namesMu sync.RWMutex
	names   map[string]string
}

// NewBrowser creates a browser. maxReferences of 0 lets the server choose the page size.
func NewBrowser(sessions SessionProvider, maxReferences uint32, logger zerolog.Logger, metricsReg *metrics.Registry) *Browser {
	return &Browser{
		sessions:      sessions,
		logger:        logging.WithComponent(logger, "opcua-browser"),
		metrics:       metricsReg,
		maxReferences: maxReferences,
		names:         make(map[string]string),
	}
}

// Browse lists the hierarchical children of nodeID (the root folder when empty),
// in server order. The returned page carries a continuation point when the
// server has more references.
func (b *Browser) Browse(ctx context.Context, nodeID string) (page domain.BrowsePage, err error) {
	start := time.Now()
	defer func() { b.metrics.ObserveBrowse("browse", err, time.Since(start).Seconds()) }()

	session, err := b.sessions.Session()
	if err != nil {
		return domain.BrowsePage{}, err
	}

	if strings.TrimSpace(nodeID) == "" {
		nodeID = RootNodeID
	}
	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return domain.BrowsePage{}, fmt.Errorf("%w: invalid node id %q: %v", domain.ErrValidation, nodeID, err)
	}

	req := &ua.BrowseRequest{
		RequestedMaxReferencesPerNode: b.maxReferences,
		NodesToBrowse: []*ua.BrowseDescription{
			{
				NodeID:          parsed,
				BrowseDirection: ua.BrowseDirectionForward,
				ReferenceTypeID: ua.NewNumericNodeID(0, id.HierarchicalReferences),
				IncludeSubtypes: true,
				NodeClassMask:   0,
				ResultMask:      uint32(ua.BrowseResultMaskAll),
			},
		},
	}

	resp, err := session.Browse(ctx, req)
	if err != nil {
		b.sessions.HandleSessionError(err)
		return domain.BrowsePage{}, fmt.Errorf("%w: browse %s: %v", domain.ErrProtocolFailure, nodeID, err)
	}
	if len(resp.Results) == 0 {
		return domain.BrowsePage{NodeID: nodeID, Nodes: []domain.NodeDescriptor{}}, nil
	}

	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return domain.BrowsePage{}, fmt.Errorf("%w: browse %s: %v", domain.ErrProtocolFailure, nodeID, result.StatusCode)
	}

	page = domain.BrowsePage{
		NodeID:            nodeID,
		Nodes:             b.normalize(ctx, session, result.References),
		ContinuationPoint: encodeContinuation(result.ContinuationPoint),
	}

	b.logger.Debug().Str("node_id", nodeID).Int("nodes", len(page.Nodes)).Bool("more", page.ContinuationPoint != "").Msg("Browsed node")
	return page, nil
}

// BrowseNext resumes a paged browse from a continuation point returned by Browse.
func (b *Browser) BrowseNext(ctx context.Context, continuationPoint string) (page domain.BrowsePage, err error) {
	start := time.Now()
	defer func() { b.metrics.ObserveBrowse("browse_next", err, time.Since(start).Seconds()) }()

	session, err := b.sessions.Session()
	if err != nil {
		return domain.BrowsePage{}, err
	}

	cp, err := base64.StdEncoding.DecodeString(continuationPoint)
	if err != nil || len(cp) == 0 {
		return domain.BrowsePage{}, fmt.Errorf("%w: invalid continuation point", domain.ErrValidation)
	}

	resp, err := session.BrowseNext(ctx, &ua.BrowseNextRequest{
		ReleaseContinuationPoints: false,
		ContinuationPoints:        [][]byte{cp},
	})
	if err != nil {
		b.sessions.HandleSessionError(err)
		return domain.BrowsePage{}, fmt.Errorf("%w: browse next: %v", domain.ErrProtocolFailure, err)
	}
	if len(resp.Results) == 0 {
		return domain.BrowsePage{Nodes: []domain.NodeDescriptor{}}, nil
	}

	result := resp.Results[0]
	if result.StatusCode != ua.StatusOK {
		return domain.BrowsePage{}, fmt.Errorf("%w: browse next: %v", domain.ErrProtocolFailure, result.StatusCode)
	}

	return domain.BrowsePage{
		Nodes:             b.normalize(ctx, session, result.References),
		ContinuationPoint: encodeContinuation(result.ContinuationPoint),
	}, nil
}

// normalize converts raw references, preserving server order.
func (b *Browser) normalize(ctx context.Context, session Session, refs []*ua.ReferenceDescription) []domain.NodeDescriptor {
	nodes := make([]domain.NodeDescriptor, 0, len(refs))

	for _, ref := range refs {
		if ref == nil || ref.NodeID == nil || ref.NodeID.NodeID == nil {
			continue
		}

		nd := domain.NodeDescriptor{
			NodeID:    ref.NodeID.NodeID.String(),
			NodeClass: nodeClass(ref.NodeClass),
		}
		if ref.BrowseName != nil {
			nd.BrowseName = ref.BrowseName.Name
		}
		if ref.DisplayName != nil {
			nd.DisplayName = ref.DisplayName.Text
		}
		if nd.DisplayName == "" {
			nd.DisplayName = nd.BrowseName
		}

		typeName := ""
		if ref.TypeDefinition != nil && ref.TypeDefinition.NodeID != nil {
			typeName = b.typeDefinitionName(ctx, session, ref.TypeDefinition.NodeID)
		}
		nd.IsFolder = nd.NodeClass == domain.NodeClassObject ||
			nd.NodeClass == domain.NodeClassObjectType ||
			strings.Contains(typeName, "FolderType")

		if nd.NodeClass == domain.NodeClassVariable {
			dataType, err := b.readDataType(ctx, session, ref.NodeID.NodeID)
			if err != nil {
				b.logger.Warn().Err(err).Str("node_id", nd.NodeID).Msg("Failed to read DataType")
			} else {
				nd.DataType = dataType
			}
		}

		nodes = append(nodes, nd)
	}

	return nodes
}

// typeDefinitionName resolves a type definition to its BrowseName. Lookup
// failures yield an empty name.
func (b *Browser) typeDefinitionName(ctx context.Context, session Session, typeID *ua.NodeID) string {
	if typeID.Namespace() == 0 {
		if name, ok := wellKnownTypeDefinitions[typeID.IntID()]; ok {
			return name
		}
	}

	name, err := b.browseName(ctx, session, typeID)
	if err != nil {
		b.logger.Debug().Err(err).Str("type_id", typeID.String()).Msg("Failed to resolve type definition")
		return ""
	}
	return name
}

// readDataType reads a variable's DataType attribute and resolves it to a name.
func (b *Browser) readDataType(ctx context.Context, session Session, nodeID *ua.NodeID) (string, error) {
	dv, err := readAttribute(ctx, session, nodeID, ua.AttributeIDDataType)
	if err != nil {
		return "", err
	}

	dtID, ok := dv.Value.Value().(*ua.NodeID)
	if !ok || dtID == nil {
		return "", fmt.Errorf("unexpected DataType value %T", dv.Value.Value())
	}
	return b.dataTypeName(ctx, session, dtID), nil
}

// dataTypeName maps builtin ids directly and reads the BrowseName of custom types.
func (b *Browser) dataTypeName(ctx context.Context, session Session, dtID *ua.NodeID) string {
	if dtID.Namespace() == 0 {
		if name, ok := builtinDataTypes[dtID.IntID()]; ok {
			return name
		}
	}

	name, err := b.browseName(ctx, session, dtID)
	if err != nil {
		return dtID.String()
	}
	return name
}

// browseName reads and caches the BrowseName of a node.
func (b *Browser) browseName(ctx context.Context, session Session, nodeID *ua.NodeID) (string, error) {
	key := nodeID.String()

	b.namesMu.RLock()
	name, ok := b.names[key]
	b.namesMu.RUnlock()
	if ok {
		return name, nil
	}

	dv, err := readAttribute(ctx, session, nodeID, ua.AttributeIDBrowseName)
	if err != nil {
		return "", err
	}
	qn, ok := dv.Value.Value().(*ua.QualifiedName)
	if !ok || qn == nil || qn.Name == "" {
		return "", fmt.Errorf("no BrowseName for %s", key)
	}

	b.namesMu.Lock()
	b.names[key] = qn.Name
	b.namesMu.Unlock()

	return qn.Name, nil
}

// ReadNodeAttributes reads BrowseName, DisplayName, Description and DataType
// concurrently. Any rejected read fails the whole call.
func (b *Browser) ReadNodeAttributes(ctx context.Context, nodeID string) (domain.NodeAttributes, error) {
	session, err := b.sessions.Session()
	if err != nil {
		return domain.NodeAttributes{}, err
	}

	parsed, err := ua.ParseNodeID(nodeID)
	if err != nil {
		return domain.NodeAttributes{}, fmt.Errorf("%w: invalid node id %q: %v", domain.ErrValidation, nodeID, err)
	}

	attrs := domain.NodeAttributes{NodeID: nodeID}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		dv, err := readAttribute(gctx, session, parsed, ua.AttributeIDBrowseName)
		if err != nil {
			return fmt.Errorf("BrowseName: %w", err)
		}
		if qn, ok := dv.Value.Value().(*ua.QualifiedName); ok && qn != nil {
			attrs.BrowseName = qn.Name
		}
		return nil
	})
	g.Go(func() error {
		dv, err := readAttribute(gctx, session, parsed, ua.AttributeIDDisplayName)
		if err != nil {
			return fmt.Errorf("DisplayName: %w", err)
		}
		if lt, ok := dv.Value.Value().(*ua.LocalizedText); ok && lt != nil {
			attrs.DisplayName = lt.Text
		}
		return nil
	})
	g.Go(func() error {
		dv, err := readAttribute(gctx, session, parsed, ua.AttributeIDDescription)
		if err != nil {
			return fmt.Errorf("Description: %w", err)
		}
		if lt, ok := dv.Value.Value().(*ua.LocalizedText); ok && lt != nil {
			attrs.Description = lt.Text
		}
		return nil
	})
	g.Go(func() error {
		dv, err := readAttribute(gctx, session, parsed, ua.AttributeIDDataType)
		if err != nil {
			return fmt.Errorf("DataType: %w", err)
		}
		if dtID, ok := dv.Value.Value().(*ua.NodeID); ok && dtID != nil {
			attrs.DataType = b.dataTypeName(gctx, session, dtID)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		b.sessions.HandleSessionError(err)
		return domain.NodeAttributes{}, fmt.Errorf("%w: read attributes of %s: %v", domain.ErrProtocolFailure, nodeID, err)
	}
	return attrs, nil
}

// readAttribute reads one attribute and treats a non-good status as an error.
func readAttribute(ctx context.Context, session Session, nodeID *ua.NodeID, attr ua.AttributeID) (*ua.DataValue, error) {
	resp, err := session.Read(ctx, &ua.ReadRequest{
		NodesToRead:        []*ua.ReadValueID{{NodeID: nodeID, AttributeID: attr}},
		TimestampsToReturn: ua.TimestampsToReturnNeither,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 || resp.Results[0] == nil {
		return nil, fmt.Errorf("empty read response for %s", nodeID)
	}

	dv := resp.Results[0]
	if dv.Status != ua.StatusOK {
		return nil, dv.Status
	}
	if dv.Value == nil {
		return nil, fmt.Errorf("no value for %s", nodeID)
	}
	return dv, nil
}

func nodeClass(nc ua.NodeClass) domain.NodeClass {
	switch nc {
	case ua.NodeClassObject:
		return domain.NodeClassObject
	case ua.NodeClassVariable:
		return domain.NodeClassVariable
	case ua.NodeClassMethod:
		return domain.NodeClassMethod
	case ua.NodeClassObjectType:
		return domain.NodeClassObjectType
	case ua.NodeClassVariableType:
		return domain.NodeClassVariableType
	case ua.NodeClassReferenceType:
		return domain.NodeClassReferenceType
	case ua.NodeClassDataType:
		return domain.NodeClassDataType
	case ua.NodeClassView:
		return domain.NodeClassView
	default:
		return domain.NodeClassUnspecified
	}
}

func encodeContinuation(cp []byte) string {
	if len(cp) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(cp)
}
