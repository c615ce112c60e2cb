package canon

import (
	"testing"
)

func TestArgsHashKeyOrderIndependence(t *testing.T) {
	a := []byte(`{"to":"user@gmail.com","subject":"hi","nested":{"b":2,"a":1},"list":[{"y":1,"x":2}]}`)
	b := []byte(`{"nested":{"a":1,"b":2},"subject":"hi","list":[{"x":2,"y":1}],"to":"user@gmail.com"}`)

	ha, err := ArgsHashJSON(a)
	if err != nil {
		t.Fatalf("hash a: %v", err)
	}
	hb, err := ArgsHashJSON(b)
	if err != nil {
		t.Fatalf("hash b: %v", err)
	}
	if ha != hb {
		t.Errorf("permuted objects hash differently: %s vs %s", ha, hb)
	}
	if len(ha) != 64 {
		t.Errorf("digest length = %d, want 64", len(ha))
	}
}

func TestArgsHashIgnoresApprovalToken(t *testing.T) {
	without := []byte(`{"noteId":"n-1"}`)
	with := []byte(`{"noteId":"n-1","approvalToken":"secret-token-value"}`)

	hw, err := ArgsHashJSON(without)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	ht, err := ArgsHashJSON(with)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hw != ht {
		t.Error("top-level approvalToken must not affect the args hash")
	}

	// Only the top level is stripped; a nested key with the same name is data.
	nested := []byte(`{"noteId":"n-1","meta":{"approvalToken":"x"}}`)
	hn, err := ArgsHashJSON(nested)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if hn == hw {
		t.Error("nested approvalToken should be part of the hashed tree")
	}
}

func TestArgsHashPreservesValueDistinctions(t *testing.T) {
	cases := []struct {
		name string
		a, b string
	}{
		{"null vs absent", `{"a":null}`, `{}`},
		{"int vs float literal", `{"n":1}`, `{"n":1.0}`},
		{"string vs number", `{"n":"1"}`, `{"n":1}`},
		{"bool vs string", `{"b":true}`, `{"b":"true"}`},
		{"array order", `{"a":[1,2]}`, `{"a":[2,1]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ha, err := ArgsHashJSON([]byte(tc.a))
			if err != nil {
				t.Fatalf("hash a: %v", err)
			}
			hb, err := ArgsHashJSON([]byte(tc.b))
			if err != nil {
				t.Fatalf("hash b: %v", err)
			}
			if ha == hb {
				t.Errorf("%s and %s must not collide", tc.a, tc.b)
			}
		})
	}
}

func TestArgsHashEmptyInputs(t *testing.T) {
	he, err := ArgsHashJSON(nil)
	if err != nil {
		t.Fatalf("hash nil: %v", err)
	}
	ho, err := ArgsHashJSON([]byte(`{}`))
	if err != nil {
		t.Fatalf("hash {}: %v", err)
	}
	if he != ho {
		t.Error("nil args should hash like the empty object")
	}
}

func TestRequestHashComposition(t *testing.T) {
	ah, _ := ArgsHashJSON([]byte(`{"command":"ls"}`))
	h1 := RequestHash("shell_exec", "up-1", ah)
	h2 := RequestHash("shell_exec", "up-1", ah)
	if h1 != h2 {
		t.Error("request hash must be deterministic")
	}
	if RequestHash("shell_exec", "up-2", ah) == h1 {
		t.Error("upstream id must affect the request hash")
	}
	if RequestHash("shell_read", "up-1", ah) == h1 {
		t.Error("tool name must affect the request hash")
	}
	if !IsHexDigest(h1) {
		t.Errorf("request hash %q is not a 256-bit hex digest", h1)
	}
}

func TestHashTokenAndClientKey(t *testing.T) {
	if HashToken("abc") == HashToken("abd") {
		t.Error("distinct tokens must hash differently")
	}
	if HashClientKey("k1") != HashClientKey("k1") {
		t.Error("client key hash must be stable")
	}
	if !IsHexDigest(HashToken("x")) {
		t.Error("token hash must be a hex digest")
	}
}

func TestIsHexDigest(t *testing.T) {
	if IsHexDigest("short") {
		t.Error("short string accepted")
	}
	if IsHexDigest("G123456789012345678901234567890123456789012345678901234567890123") {
		t.Error("non-hex characters accepted")
	}
	if !IsHexDigest(HashToken("anything")) {
		t.Error("real digest rejected")
	}
}
