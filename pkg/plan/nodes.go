package plan

import (
	"encoding/json"
	"fmt"
)

// NodeType discriminates the node variants.
type NodeType string

const (
	TypeHTTPRequest NodeType = "HTTP_REQUEST"
	TypeWait        NodeType = "WAIT"
	TypeAssertion   NodeType = "ASSERTION"
)

// Method is an HTTP request method.
type Method string

const (
	MethodGet     Method = "GET"
	MethodPost    Method = "POST"
	MethodPut     Method = "PUT"
	MethodDelete  Method = "DELETE"
	MethodPatch   Method = "PATCH"
	MethodHead    Method = "HEAD"
	MethodOptions Method = "OPTIONS"
	MethodConnect Method = "CONNECT"
	MethodTrace   Method = "TRACE"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodGet, MethodPost, MethodPut, MethodDelete, MethodPatch,
		MethodHead, MethodOptions, MethodConnect, MethodTrace:
		return true
	}
	return false
}

// ResponseFormat declares how a response body is parsed for assertions.
type ResponseFormat string

const (
	FormatJSON ResponseFormat = "JSON"
	FormatXML  ResponseFormat = "XML"
	FormatText ResponseFormat = "TEXT"
)

// Valid reports whether f is a known response format.
func (f ResponseFormat) Valid() bool {
	return f == FormatJSON || f == FormatXML || f == FormatText
}

// Node is one step of a plan graph: an HTTP request, a wait, or an
// assertion block. The concrete variants are HTTPRequestNode, WaitNode and
// AssertionNode, discriminated by the wire field "type".
type Node interface {
	NodeID() string
	NodeType() NodeType
}

// HTTPRequestNode performs a single HTTP request. Base and header values
// may be secret or variable markers; the body is a free-form JSON tree
// that may embed markers at any depth.
type HTTPRequestNode struct {
	ID             string           `json:"id"`
	Method         Method           `json:"method"`
	Base           Value            `json:"base"`
	Path           string           `json:"path"`
	Headers        map[string]Value `json:"headers,omitempty"`
	Body           any              `json:"body,omitempty"`
	ResponseFormat ResponseFormat   `json:"response_format"`
}

func (n HTTPRequestNode) NodeID() string     { return n.ID }
func (n HTTPRequestNode) NodeType() NodeType { return TypeHTTPRequest }

// MarshalJSON adds the type discriminator.
func (n HTTPRequestNode) MarshalJSON() ([]byte, error) {
	type wire HTTPRequestNode
	return json.Marshal(struct {
		Type NodeType `json:"type"`
		wire
	}{TypeHTTPRequest, wire(n)})
}

// WaitNode suspends execution for a fixed duration.
type WaitNode struct {
	ID         string `json:"id"`
	DurationMS int64  `json:"duration_ms"`
}

func (n WaitNode) NodeID() string     { return n.ID }
func (n WaitNode) NodeType() NodeType { return TypeWait }

// MarshalJSON adds the type discriminator.
func (n WaitNode) MarshalJSON() ([]byte, error) {
	type wire WaitNode
	return json.Marshal(struct {
		Type NodeType `json:"type"`
		wire
	}{TypeWait, wire(n)})
}

// AssertionNode evaluates an ordered list of predicates against responses
// recorded by earlier HTTP request nodes.
type AssertionNode struct {
	ID         string      `json:"id"`
	Assertions []Assertion `json:"assertions"`
}

func (n AssertionNode) NodeID() string     { return n.ID }
func (n AssertionNode) NodeType() NodeType { return TypeAssertion }

// MarshalJSON adds the type discriminator.
func (n AssertionNode) MarshalJSON() ([]byte, error) {
	type wire AssertionNode
	return json.Marshal(struct {
		Type NodeType `json:"type"`
		wire
	}{TypeAssertion, wire(n)})
}

// Operator is an assertion predicate operator. Unary operators ignore the
// expected operand.
type Operator string

const (
	OpIsNull     Operator = "IS_NULL"
	OpIsNotNull  Operator = "IS_NOT_NULL"
	OpIsTrue     Operator = "IS_TRUE"
	OpIsFalse    Operator = "IS_FALSE"
	OpEQ         Operator = "EQ"
	OpNE         Operator = "NE"
	OpGT         Operator = "GT"
	OpLT         Operator = "LT"
	OpGE         Operator = "GE"
	OpLE         Operator = "LE"
	OpContains   Operator = "CONTAINS"
	OpNotContain Operator = "NOT_CONTAINS"
	OpStartsWith Operator = "STARTS_WITH"
	OpEndsWith   Operator = "ENDS_WITH"
	OpIsEmpty    Operator = "IS_EMPTY"
	OpIsNotEmpty Operator = "IS_NOT_EMPTY"
)

// Unary reports whether the operator takes no expected operand.
func (o Operator) Unary() bool {
	switch o {
	case OpIsNull, OpIsNotNull, OpIsTrue, OpIsFalse, OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Valid reports whether o is a known operator.
func (o Operator) Valid() bool {
	switch o {
	case OpIsNull, OpIsNotNull, OpIsTrue, OpIsFalse,
		OpEQ, OpNE, OpGT, OpLT, OpGE, OpLE,
		OpContains, OpNotContain, OpStartsWith, OpEndsWith,
		OpIsEmpty, OpIsNotEmpty:
		return true
	}
	return false
}

// Assertion is a single predicate. Path is rooted at an earlier node's
// response body: the first segment names the node, the remaining segments
// navigate the parsed body (JSON keys/indexes, XML element names, or a
// single regular expression for TEXT responses).
type Assertion struct {
	Path     []string `json:"path"`
	Op       Operator `json:"op"`
	Expected any      `json:"expected,omitempty"`
}

// NodeList is the ordered node slice with a type-dispatching JSON codec.
type NodeList []Node

// UnmarshalJSON decodes each element into its concrete variant based on
// the "type" discriminator.
func (l *NodeList) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return fmt.Errorf("nodes must be an array: %w", err)
	}

	nodes := make(NodeList, 0, len(raws))
	for i, raw := range raws {
		var head struct {
			Type NodeType `json:"type"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			return fmt.Errorf("node %d has no readable type: %w", i, err)
		}

		var node Node
		switch head.Type {
		case TypeHTTPRequest:
			n := HTTPRequestNode{}
			if err := json.Unmarshal(raw, (*httpRequestWire)(&n)); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			node = n
		case TypeWait:
			n := WaitNode{}
			if err := json.Unmarshal(raw, (*waitWire)(&n)); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			node = n
		case TypeAssertion:
			n := AssertionNode{}
			if err := json.Unmarshal(raw, (*assertionWire)(&n)); err != nil {
				return fmt.Errorf("node %d: %w", i, err)
			}
			node = n
		default:
			return fmt.Errorf("node %d has unknown type %q", i, head.Type)
		}
		nodes = append(nodes, node)
	}

	*l = nodes
	return nil
}

// Wire aliases strip the MarshalJSON methods so decoding does not recurse.
type (
	httpRequestWire HTTPRequestNode
	waitWire        WaitNode
	assertionWire   AssertionNode
)
