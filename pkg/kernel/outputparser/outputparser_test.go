package outputparser

import "testing"

func TestOrdinaryToolCallIsNotClassifiedAsTeammate(t *testing.T) {
	p := New()
	chunk, err := p.ParseToolCall(RawToolCall{CallID: "c1", Name: "shell_cmd", ArgsJSON: `{"cmd":"ls"}`})
	if err != nil {
		t.Fatalf("ParseToolCall: %v", err)
	}
	if chunk.Kind != ChunkToolCall {
		t.Fatalf("Kind = %v, want ChunkToolCall", chunk.Kind)
	}
}

func TestTellaskSessionlessIsTeammateCallTypeA(t *testing.T) {
	p := New()
	chunk, err := p.ParseToolCall(RawToolCall{
		CallID:   "c1",
		Name:     "tellaskSessionless",
		ArgsJSON: `{"content":"Please compute 1+1."}`,
	})
	if err != nil {
		t.Fatalf("ParseToolCall: %v", err)
	}
	if chunk.Kind != ChunkTeammateCall {
		t.Fatalf("Kind = %v, want ChunkTeammateCall", chunk.Kind)
	}
	ct, ok := ClassifyCallType(chunk.Teammate)
	if !ok {
		t.Fatal("expected a recognized call type")
	}
	if ct != "A" {
		t.Fatalf("call type = %v, want A", ct)
	}
}

func TestTellaskWithSessionSlugIsTypeB(t *testing.T) {
	p := New()
	chunk, err := p.ParseToolCall(RawToolCall{
		Name:     "tellask",
		ArgsJSON: `{"content":"hi","sessionSlug":"dupe-session"}`,
	})
	if err != nil {
		t.Fatalf("ParseToolCall: %v", err)
	}
	ct, _ := ClassifyCallType(chunk.Teammate)
	if ct != "B" {
		t.Fatalf("call type = %v, want B", ct)
	}
	if chunk.Teammate.SessionSlug != "dupe-session" {
		t.Fatalf("SessionSlug = %q, want dupe-session", chunk.Teammate.SessionSlug)
	}
}

func TestFreshBootsReasoningIsTypeC(t *testing.T) {
	p := New()
	chunk, err := p.ParseToolCall(RawToolCall{Name: "freshBootsReasoning", ArgsJSON: `{"content":"think"}`})
	if err != nil {
		t.Fatalf("ParseToolCall: %v", err)
	}
	ct, _ := ClassifyCallType(chunk.Teammate)
	if ct != "C" {
		t.Fatalf("call type = %v, want C", ct)
	}
}

func TestAskHumanAndTellaskBackAreTeammateButHaveNoCallType(t *testing.T) {
	p := New()
	for _, name := range []string{"askHuman", "tellaskBack"} {
		chunk, err := p.ParseToolCall(RawToolCall{Name: name, ArgsJSON: `{"content":"x"}`})
		if err != nil {
			t.Fatalf("ParseToolCall(%s): %v", name, err)
		}
		if chunk.Kind != ChunkTeammateCall {
			t.Fatalf("%s: Kind = %v, want ChunkTeammateCall", name, chunk.Kind)
		}
		if _, ok := ClassifyCallType(chunk.Teammate); ok {
			t.Fatalf("%s: expected no A/B/C call type", name)
		}
	}
}

func TestMalformedArgsJSONIsAnError(t *testing.T) {
	p := New()
	if _, err := p.ParseToolCall(RawToolCall{Name: "tellask", ArgsJSON: `{not json`}); err == nil {
		t.Fatal("expected an error for malformed teammate call arguments")
	}
}
