package opcua_test

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/opcua"
	"github.com/TCC-OPCUAgua/opcuagua/internal/adapter/opcua/opcuatest"
	"github.com/TCC-OPCUAgua/opcuagua/internal/domain"
	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const objectsFolder = "i=85"

func plantSpace() *opcuatest.AddressSpace {
	space := opcuatest.NewAddressSpace()
	space.AddFolder(objectsFolder, "ns=2;s=Reservoir", "Reservoir")
	space.AddVariable("ns=2;s=Reservoir", levelNode, "Level", id.Double)
	space.AddVariable("ns=2;s=Reservoir", flowNode, "Flow", id.Float)
	space.Add("ns=2;s=Reservoir", opcuatest.Node{
		NodeID:      "ns=2;s=Reservoir.Mode",
		BrowseName:  "Mode",
		DisplayName: "Operating mode",
		Description: "Pump operating mode",
		Class:       ua.NodeClassVariable,
		DataType:    "ns=2;i=3001",
	})
	space.Add("ns=2;s=Reservoir", opcuatest.Node{
		NodeID:     "ns=2;i=3001",
		BrowseName: "PumpModeEnum",
		Class:      ua.NodeClassDataType,
	})
	return space
}

func newTestBrowser(space *opcuatest.AddressSpace) (*opcua.Browser, *sessionStub) {
	stub := newSessionStub()
	stub.session = opcuatest.NewSession(space)
	_ = stub.session.Connect(context.Background())
	return opcua.NewBrowser(stub, 0, zerolog.Nop(), nil), stub
}

func TestBrowser_BrowseRootByDefault(t *testing.T) {
	b, _ := newTestBrowser(plantSpace())

	page, err := b.Browse(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "i=84", page.NodeID)
	require.Len(t, page.Nodes, 1)
	assert.Equal(t, objectsFolder, page.Nodes[0].NodeID)
	assert.Equal(t, "Objects", page.Nodes[0].BrowseName)
	assert.True(t, page.Nodes[0].IsFolder)
	assert.Empty(t, page.ContinuationPoint)
}

func TestBrowser_NormalizesReferences(t *testing.T) {
	b, _ := newTestBrowser(plantSpace())

	page, err := b.Browse(context.Background(), "ns=2;s=Reservoir")
	require.NoError(t, err)
	require.Len(t, page.Nodes, 4)

	level := page.Nodes[0]
	assert.Equal(t, levelNode, level.NodeID)
	assert.Equal(t, domain.NodeClassVariable, level.NodeClass)
	assert.Equal(t, "Double", level.DataType)
	assert.False(t, level.IsFolder)

	assert.Equal(t, "Float", page.Nodes[1].DataType)

	mode := page.Nodes[2]
	assert.Equal(t, "Operating mode", mode.DisplayName)
	assert.Equal(t, "PumpModeEnum", mode.DataType)
	assert.False(t, mode.IsFolder)

	assert.Equal(t, domain.NodeClassDataType, page.Nodes[3].NodeClass)
	assert.False(t, page.Nodes[3].IsFolder)
}

func TestBrowser_DataTypeFailureTolerated(t *testing.T) {
	b, stub := newTestBrowser(plantSpace())
	stub.session.FailRead(levelNode, ua.AttributeIDDataType, ua.StatusBadUserAccessDenied)

	page, err := b.Browse(context.Background(), "ns=2;s=Reservoir")
	require.NoError(t, err)
	require.Len(t, page.Nodes, 4)
	assert.Empty(t, page.Nodes[0].DataType)
	assert.Equal(t, "Float", page.Nodes[1].DataType)
}

func TestBrowser_Paging(t *testing.T) {
	b, stub := newTestBrowser(plantSpace())
	stub.session.PageSize = 3
	ctx := context.Background()

	page, err := b.Browse(ctx, "ns=2;s=Reservoir")
	require.NoError(t, err)
	assert.Len(t, page.Nodes, 3)
	require.NotEmpty(t, page.ContinuationPoint)

	next, err := b.BrowseNext(ctx, page.ContinuationPoint)
	require.NoError(t, err)
	require.Len(t, next.Nodes, 1)
	assert.Equal(t, "ns=2;i=3001", next.Nodes[0].NodeID)
	assert.Empty(t, next.ContinuationPoint)

	// A continuation point is consumed by use.
	_, err = b.BrowseNext(ctx, page.ContinuationPoint)
	assert.ErrorIs(t, err, domain.ErrProtocolFailure)
}

func TestBrowser_BrowseNextInvalidContinuation(t *testing.T) {
	b, _ := newTestBrowser(plantSpace())

	_, err := b.BrowseNext(context.Background(), "%%%")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = b.BrowseNext(context.Background(), "")
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = b.BrowseNext(context.Background(), base64.StdEncoding.EncodeToString([]byte("unknown")))
	assert.ErrorIs(t, err, domain.ErrProtocolFailure)
}

func TestBrowser_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("not connected", func(t *testing.T) {
		b, stub := newTestBrowser(plantSpace())
		stub.setConnected(false)

		_, err := b.Browse(ctx, "")
		assert.ErrorIs(t, err, domain.ErrNotConnected)
		_, err = b.ReadNodeAttributes(ctx, levelNode)
		assert.ErrorIs(t, err, domain.ErrNotConnected)
	})

	t.Run("invalid node id", func(t *testing.T) {
		b, _ := newTestBrowser(plantSpace())

		_, err := b.Browse(ctx, "bogus")
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("unknown node", func(t *testing.T) {
		b, _ := newTestBrowser(plantSpace())

		_, err := b.Browse(ctx, "ns=9;s=Missing")
		assert.ErrorIs(t, err, domain.ErrProtocolFailure)
	})

	t.Run("session lost", func(t *testing.T) {
		b, stub := newTestBrowser(plantSpace())
		stub.session.FailBrowse(ua.StatusBadSessionClosed)

		_, err := b.Browse(ctx, "")
		assert.ErrorIs(t, err, domain.ErrProtocolFailure)
		assert.Len(t, stub.sessionErrors(), 1)
	})
}

func TestBrowser_ReadNodeAttributes(t *testing.T) {
	b, stub := newTestBrowser(plantSpace())
	ctx := context.Background()

	attrs, err := b.ReadNodeAttributes(ctx, "ns=2;s=Reservoir.Mode")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeAttributes{
		NodeID:      "ns=2;s=Reservoir.Mode",
		BrowseName:  "Mode",
		DisplayName: "Operating mode",
		Description: "Pump operating mode",
		DataType:    "PumpModeEnum",
	}, attrs)

	stub.session.FailRead(levelNode, ua.AttributeIDDescription, ua.StatusBadUserAccessDenied)
	_, err = b.ReadNodeAttributes(ctx, levelNode)
	assert.ErrorIs(t, err, domain.ErrProtocolFailure)

	_, err = b.ReadNodeAttributes(ctx, "ns=2;s=Nowhere")
	assert.ErrorIs(t, err, domain.ErrProtocolFailure)
}
