package dimse

import "testing"

const ctImageStorage = "1.2.840.10008.5.1.4.1.1.2"

func TestNegotiateWrongCalledAETitle(t *testing.T) {
	n := NewNegotiator("AnySCP", DefaultStorageRegistry())

	for _, called := range []string{"WRONG", "anyscp", "AnySCP ", ""} {
		t.Run(called, func(t *testing.T) {
			d := n.Negotiate(called, "MODALITY", []PresentationContext{
				{ID: 1, AbstractSyntax: ctImageStorage, TransferSyntaxes: []string{ImplicitVRLittleEndian}},
				{ID: 3, AbstractSyntax: VerificationSOPClass},
			})

			if d.Accepted {
				t.Fatal("association accepted")
			}
			if d.Contexts != nil {
				t.Errorf("contexts evaluated: %+v", d.Contexts)
			}
			want := AssociateReject{Result: RejectPermanent, Source: SourceServiceUser, Reason: ReasonCalledAETitleNotRecognized}
			if d.Reject == nil || *d.Reject != want {
				t.Errorf("reject = %+v, want %+v", d.Reject, want)
			}
		})
	}
}

func TestNegotiateStorageContexts(t *testing.T) {
	tests := []struct {
		name       string
		registry   Registry
		proposed   []string
		wantResult ContextResult
		wantTS     string
	}{
		{
			name:       "implicit only",
			registry:   DefaultStorageRegistry(),
			proposed:   []string{ImplicitVRLittleEndian},
			wantResult: ContextAccepted,
			wantTS:     ImplicitVRLittleEndian,
		},
		{
			name:       "proposer order wins",
			registry:   NewRegistry(ExplicitVRLittleEndian, ImplicitVRLittleEndian),
			proposed:   []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian},
			wantResult: ContextAccepted,
			wantTS:     ImplicitVRLittleEndian,
		},
		{
			name:       "proposer order wins with registry swapped",
			registry:   NewRegistry(ImplicitVRLittleEndian, ExplicitVRLittleEndian),
			proposed:   []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian},
			wantResult: ContextAccepted,
			wantTS:     ImplicitVRLittleEndian,
		},
		{
			name:       "skips unknown syntaxes",
			registry:   DefaultStorageRegistry(),
			proposed:   []string{"1.2.840.10008.1.2.4.50", JPEGLSLossless},
			wantResult: ContextAccepted,
			wantTS:     JPEGLSLossless,
		},
		{
			name:       "registry restricts choice",
			registry:   NewRegistry(ExplicitVRLittleEndian),
			proposed:   []string{ImplicitVRLittleEndian, ExplicitVRLittleEndian},
			wantResult: ContextAccepted,
			wantTS:     ExplicitVRLittleEndian,
		},
		{
			name:       "no supported syntax",
			registry:   DefaultStorageRegistry(),
			proposed:   []string{"1.2.840.10008.1.2.4.50"},
			wantResult: ContextTransferSyntaxesNotSupported,
		},
		{
			name:       "nothing proposed",
			registry:   DefaultStorageRegistry(),
			proposed:   nil,
			wantResult: ContextTransferSyntaxesNotSupported,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNegotiator("AnySCP", tt.registry)
			d := n.Negotiate("AnySCP", "MODALITY", []PresentationContext{
				{ID: 1, AbstractSyntax: ctImageStorage, TransferSyntaxes: tt.proposed},
			})

			if !d.Accepted {
				t.Fatal("association rejected")
			}
			if len(d.Contexts) != 1 {
				t.Fatalf("got %d contexts, want 1", len(d.Contexts))
			}
			pc := d.Contexts[0]
			if pc.Result != tt.wantResult {
				t.Errorf("result = %v, want %v", pc.Result, tt.wantResult)
			}
			if tt.wantResult == ContextAccepted && pc.TransferSyntax != tt.wantTS {
				t.Errorf("transfer syntax = %q, want %q", pc.TransferSyntax, tt.wantTS)
			}
		})
	}
}

func TestNegotiateOrderingAcrossRegistries(t *testing.T) {
	proposed := []PresentationContext{
		{ID: 1, AbstractSyntax: ctImageStorage, TransferSyntaxes: []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian}},
	}
	a := NewNegotiator("AnySCP", NewRegistry(ImplicitVRLittleEndian, ExplicitVRLittleEndian)).Negotiate("AnySCP", "M", proposed)
	b := NewNegotiator("AnySCP", NewRegistry(ExplicitVRLittleEndian, ImplicitVRLittleEndian)).Negotiate("AnySCP", "M", proposed)

	if a.Contexts[0].TransferSyntax != ExplicitVRLittleEndian || b.Contexts[0].TransferSyntax != ExplicitVRLittleEndian {
		t.Errorf("selection depends on registry order: %q vs %q", a.Contexts[0].TransferSyntax, b.Contexts[0].TransferSyntax)
	}
}

func TestNegotiateMixedContexts(t *testing.T) {
	n := NewNegotiator("AnySCP", DefaultStorageRegistry())
	d := n.Negotiate("AnySCP", "MODALITY", []PresentationContext{
		{ID: 1, AbstractSyntax: VerificationSOPClass},
		{ID: 3, AbstractSyntax: ctImageStorage, TransferSyntaxes: []string{"1.2.840.10008.1.2.4.50"}},
		{ID: 5, AbstractSyntax: "1.2.840.10008.5.1.4.1.2.2.1", TransferSyntaxes: []string{ExplicitVRLittleEndian}},
	})

	if !d.Accepted {
		t.Fatal("partial acceptance must still accept the association")
	}
	if got := d.AcceptedCount(); got != 2 {
		t.Errorf("AcceptedCount() = %d, want 2", got)
	}

	want := []struct {
		id     byte
		result ContextResult
		ts     string
	}{
		{1, ContextAccepted, ImplicitVRLittleEndian},
		{3, ContextTransferSyntaxesNotSupported, ""},
		{5, ContextAccepted, ExplicitVRLittleEndian},
	}
	for i, w := range want {
		pc := d.Contexts[i]
		if pc.ID != w.id || pc.Result != w.result {
			t.Errorf("context %d = id %d result %v, want id %d result %v", i, pc.ID, pc.Result, w.id, w.result)
		}
		if w.result == ContextAccepted && pc.TransferSyntax != w.ts {
			t.Errorf("context %d transfer syntax = %q, want %q", i, pc.TransferSyntax, w.ts)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(ExplicitVRLittleEndian, ExplicitVRLittleEndian, ImplicitVRLittleEndian)
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	if !r.Contains(ImplicitVRLittleEndian) || r.Contains(JPEGLSLossless) {
		t.Error("Contains() mismatch")
	}

	def := DefaultStorageRegistry()
	for _, uid := range []string{ExplicitVRLittleEndian, ImplicitVRLittleEndian, ImplicitVRBigEndian, JPEGLSLossless} {
		if !def.Contains(uid) {
			t.Errorf("default registry lacks %s", uid)
		}
	}

	if !IsStorageSOPClass(ctImageStorage) || IsStorageSOPClass(VerificationSOPClass) {
		t.Error("IsStorageSOPClass() mismatch")
	}
}
