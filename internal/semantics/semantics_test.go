package semantics

import "testing"

func TestTemplates(t *testing.T) {
	tests := []struct {
		name string
		tmpl Template
		want Semantics
	}{
		{"default", TemplateDefault, Semantics{
			Atomicity: AtomicityNone, Consistency: ConsistencyImmediate,
			Persistency: PersistencyNetwork, Security: SecurityNone,
		}},
		{"posix", TemplatePOSIX, Semantics{
			Atomicity: AtomicityOperation, Consistency: ConsistencyImmediate,
			Persistency: PersistencyNetwork, Security: SecurityStrict,
		}},
		{"temporary-local", TemplateTemporaryLocal, Semantics{
			Atomicity: AtomicityNone, Consistency: ConsistencyEventual,
			Persistency: PersistencyNetwork, Security: SecurityNone,
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := New(tt.tmpl); got != tt.want {
				t.Errorf("New(%v) = %+v, want %+v", tt.tmpl, got, tt.want)
			}
		})
	}
}

func TestSettersBeforeFreeze(t *testing.T) {
	s := Default()
	s, err := s.WithConsistency(ConsistencyEventual)
	if err != nil {
		t.Fatalf("WithConsistency: %v", err)
	}
	if s.Consistency != ConsistencyEventual {
		t.Errorf("Consistency = %v, want eventual", s.Consistency)
	}
	s, err = s.WithPersistency(PersistencyStorage)
	if err != nil {
		t.Fatalf("WithPersistency: %v", err)
	}
	if s.Persistency != PersistencyStorage {
		t.Errorf("Persistency = %v, want storage", s.Persistency)
	}
}

func TestFreezeRejectsFurtherSets(t *testing.T) {
	s := Default().Freeze()
	if !s.Frozen() {
		t.Fatal("Frozen() = false after Freeze")
	}
	if _, err := s.WithConsistency(ConsistencyEventual); err != ErrFrozen {
		t.Errorf("WithConsistency after Freeze: err = %v, want ErrFrozen", err)
	}
	if _, err := s.WithAtomicity(AtomicityBatch); err != ErrFrozen {
		t.Errorf("WithAtomicity after Freeze: err = %v, want ErrFrozen", err)
	}
	if _, err := s.WithPersistency(PersistencyNone); err != ErrFrozen {
		t.Errorf("WithPersistency after Freeze: err = %v, want ErrFrozen", err)
	}
	if _, err := s.WithSecurity(SecurityStrict); err != ErrFrozen {
		t.Errorf("WithSecurity after Freeze: err = %v, want ErrFrozen", err)
	}
}

func TestFreezeDoesNotMutateReceiver(t *testing.T) {
	s := Default()
	_ = s.Freeze()
	if s.Frozen() {
		t.Error("Freeze must return a frozen copy, not mutate the receiver")
	}
}

func TestRequiresReply(t *testing.T) {
	tests := []struct {
		persistency Persistency
		isRead      bool
		want        bool
	}{
		{PersistencyStorage, false, true},
		{PersistencyNetwork, false, true},
		{PersistencyNone, false, false},
		{PersistencyNone, true, true},
	}
	for _, tt := range tests {
		s := Default()
		s.Persistency = tt.persistency
		if got := s.RequiresReply(tt.isRead); got != tt.want {
			t.Errorf("persistency=%v isRead=%v: RequiresReply = %v, want %v", tt.persistency, tt.isRead, got, tt.want)
		}
	}
}
