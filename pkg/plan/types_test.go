package plan

import (
	"encoding/json"
	"testing"
	"time"
)

func TestFrequencyInterval(t *testing.T) {
	cases := []struct {
		freq Frequency
		want time.Duration
	}{
		{Frequency{Every: 5, Unit: UnitMinute}, 5 * time.Minute},
		{Frequency{Every: 2, Unit: UnitHour}, 2 * time.Hour},
		{Frequency{Every: 1, Unit: UnitDay}, 24 * time.Hour},
		{Frequency{Every: 3, Unit: "FORTNIGHT"}, 0},
	}
	for _, tc := range cases {
		if got := tc.freq.Interval(); got != tc.want {
			t.Errorf("Interval(%d %s) = %v, want %v", tc.freq.Every, tc.freq.Unit, got, tc.want)
		}
	}
}

func TestNodeListRoundTrip(t *testing.T) {
	p := validPlan()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	decoded := &Plan{}
	if err := json.Unmarshal(raw, decoded); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if len(decoded.Nodes) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(decoded.Nodes))
	}
	req, ok := decoded.Nodes[0].(HTTPRequestNode)
	if !ok {
		t.Fatalf("node 0 decoded as %T", decoded.Nodes[0])
	}
	if req.Method != MethodGet || req.Base.Literal != "https://api.example.com" {
		t.Errorf("request node lost fields: %+v", req)
	}
	if _, ok := decoded.Nodes[1].(AssertionNode); !ok {
		t.Fatalf("node 1 decoded as %T", decoded.Nodes[1])
	}
}

func TestNodeListRejectsUnknownType(t *testing.T) {
	raw := []byte(`[{"type":"TELEPORT","id":"x"}]`)
	var nodes NodeList
	if err := json.Unmarshal(raw, &nodes); err == nil {
		t.Fatal("expected error for unknown node type")
	}
}

func TestValueCodec(t *testing.T) {
	cases := []struct {
		name string
		wire string
		want Value
	}{
		{"literal", `"https://a.example.com"`, LiteralValue("https://a.example.com")},
		{"secret", `{"$secret":{"provider":"env","ref":"API_KEY"}}`,
			Value{Secret: &SecretRef{Provider: "env", Ref: "API_KEY"}}},
		{"variable", `{"$variable":{"key":"api","template":"/v1/${api}"}}`,
			Value{Variable: &VariableRef{Key: "api", Template: "/v1/${api}"}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got Value
			if err := json.Unmarshal([]byte(tc.wire), &got); err != nil {
				t.Fatalf("unmarshal failed: %v", err)
			}
			back, err := json.Marshal(got)
			if err != nil {
				t.Fatalf("marshal failed: %v", err)
			}
			var again Value
			if err := json.Unmarshal(back, &again); err != nil {
				t.Fatalf("re-unmarshal failed: %v", err)
			}
			if again.Literal != tc.want.Literal ||
				(again.Secret == nil) != (tc.want.Secret == nil) ||
				(again.Variable == nil) != (tc.want.Variable == nil) {
				t.Errorf("round trip mismatch: got %+v want %+v", again, tc.want)
			}
		})
	}
}

func TestValueRejectsMixedMarkerObject(t *testing.T) {
	var v Value
	err := json.Unmarshal([]byte(`{"$secret":{"provider":"env","ref":"A"},"extra":1}`), &v)
	if err == nil {
		t.Fatal("expected error for marker object with extra keys")
	}
}

func TestCloneIsDeep(t *testing.T) {
	p := validPlan()
	node := p.Nodes[0].(HTTPRequestNode)
	node.Headers = map[string]Value{"X-Token": LiteralValue("original")}
	p.Nodes[0] = node

	clone, err := p.Clone()
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	cloned := clone.Nodes[0].(HTTPRequestNode)
	cloned.Headers["X-Token"] = LiteralValue("mutated")
	clone.Nodes[0] = cloned

	if p.Nodes[0].(HTTPRequestNode).Headers["X-Token"].Literal != "original" {
		t.Error("mutating the clone changed the original plan")
	}
}
