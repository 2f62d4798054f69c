package domain

// NodeClass is the normalized class of an address-space node.
type NodeClass string

const (
	NodeClassObject        NodeClass = "Object"
	NodeClassVariable      NodeClass = "Variable"
	NodeClassMethod        NodeClass = "Method"
	NodeClassObjectType    NodeClass = "ObjectType"
	NodeClassVariableType  NodeClass = "VariableType"
	NodeClassReferenceType NodeClass = "ReferenceType"
	NodeClassDataType      NodeClass = "DataType"
	NodeClassView          NodeClass = "View"
	NodeClassUnspecified   NodeClass = "Unspecified"
)

// NodeDescriptor is one browsed reference, normalized once by the browser.
type NodeDescriptor struct {
	NodeID      string    `json:"nodeId"`
	BrowseName  string    `json:"browseName"`
	DisplayName string    `json:"displayName"`
	Description string    `json:"description,omitempty"`
	NodeClass   NodeClass `json:"nodeClass"`
	DataType    string    `json:"dataType,omitempty"`
	IsFolder    bool      `json:"isFolder"`
}

// BrowsePage is the result of one browse or browseNext call.
// ContinuationPoint is base64 encoded and empty when the listing is complete.
type BrowsePage struct {
	NodeID            string           `json:"nodeId,omitempty"`
	Nodes             []NodeDescriptor `json:"nodes"`
	ContinuationPoint string           `json:"continuationPoint,omitempty"`
}

// NodeAttributes holds the attributes read when a node becomes a tag.
type NodeAttributes struct {
	NodeID      string `json:"nodeId"`
	BrowseName  string `json:"browseName"`
	DisplayName string `json:"displayName"`
	Description string `json:"description,omitempty"`
	DataType    string `json:"dataType,omitempty"`
}

// Tag builds an unsubscribed tag from the attributes.
func (a NodeAttributes) Tag() Tag {
	display := a.DisplayName
	if display == "" {
		display = a.BrowseName
	}
	return Tag{
		NodeID:      a.NodeID,
		BrowseName:  a.BrowseName,
		DisplayName: display,
		Description: a.Description,
		DataType:    a.DataType,
	}
}
