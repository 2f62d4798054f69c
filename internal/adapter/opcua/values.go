package opcua

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gopcua/opcua/id"
	"github.com/gopcua/opcua/ua"
)

// builtinDataTypes maps namespace-0 DataType ids to their names.
var builtinDataTypes = map[uint32]string{
	1:   "Boolean",
	2:   "SByte",
	3:   "Byte",
	4:   "Int16",
	5:   "UInt16",
	6:   "Int32",
	7:   "UInt32",
	8:   "Int64",
	9:   "UInt64",
	10:  "Float",
	11:  "Double",
	12:  "String",
	13:  "DateTime",
	14:  "Guid",
	15:  "ByteString",
	16:  "XmlElement",
	17:  "NodeId",
	19:  "StatusCode",
	20:  "QualifiedName",
	21:  "LocalizedText",
	22:  "Structure",
	24:  "BaseDataType",
	26:  "Number",
	27:  "Integer",
	28:  "UInteger",
	29:  "Enumeration",
	290: "Duration",
	294: "UtcTime",
}

// wellKnownTypeDefinitions resolves common namespace-0 type definitions without a read.
var wellKnownTypeDefinitions = map[uint32]string{
	id.BaseObjectType:       "BaseObjectType",
	id.FolderType:           "FolderType",
	id.BaseDataVariableType: "BaseDataVariableType",
	id.PropertyType:         "PropertyType",
	2365:                    "DataItemType",
	2368:                    "AnalogItemType",
}

// extractValue converts a variant to a JSON-friendly Go value.
func extractValue(v *ua.Variant) any {
	if v == nil {
		return nil
	}

	switch tv := v.Value().(type) {
	case nil:
		return nil
	case bool, int64, uint64, float64, string:
		return tv
	case int8:
		return int64(tv)
	case uint8:
		return int64(tv)
	case int16:
		return int64(tv)
	case uint16:
		return int64(tv)
	case int32:
		return int64(tv)
	case uint32:
		return int64(tv)
	case float32:
		return float64(tv)
	case time.Time:
		return tv.UTC()
	case ua.StatusCode:
		return uint32(tv)
	case *ua.LocalizedText:
		if tv == nil {
			return nil
		}
		return tv.Text
	case *ua.QualifiedName:
		if tv == nil {
			return nil
		}
		return tv.Name
	case *ua.NodeID:
		if tv == nil {
			return nil
		}
		return tv.String()
	default:
		return fmt.Sprintf("%v", tv)
	}
}

// isSessionError reports whether err means the session or its channel is gone,
// as opposed to a failure of a single request.
func isSessionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var status ua.StatusCode
	if errors.As(err, &status) {
		switch status {
		case ua.StatusBadSessionClosed,
			ua.StatusBadSessionIDInvalid,
			ua.StatusBadSessionNotActivated,
			ua.StatusBadSecureChannelClosed,
			ua.StatusBadSecureChannelIDInvalid,
			ua.StatusBadConnectionClosed,
			ua.StatusBadServerNotConnected,
			ua.StatusBadNotConnected:
			return true
		}
		return false
	}

	msg := err.Error()
	return strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe") ||
		strings.Contains(msg, "use of closed network connection")
}
