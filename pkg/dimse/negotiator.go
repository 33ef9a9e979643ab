package dimse

// Decision is the outcome of evaluating an A-ASSOCIATE-RQ. When Accepted is
// false, Reject is set and Contexts is nil.
type Decision struct {
	Accepted bool
	Reject   *AssociateReject
	Contexts []PresentationContext
}

// AcceptedCount returns the number of usable contexts.
func (d Decision) AcceptedCount() int {
	n := 0
	for _, pc := range d.Contexts {
		if pc.Accepted() {
			n++
		}
	}
	return n
}

// Negotiator decides association requests for one local AE title. It holds
// no mutable state and is safe for concurrent use.
type Negotiator struct {
	aeTitle  string
	registry Registry
}

// NewNegotiator returns a negotiator answering to aeTitle and accepting the
// storage transfer syntaxes in registry.
func NewNegotiator(aeTitle string, registry Registry) *Negotiator {
	return &Negotiator{aeTitle: aeTitle, registry: registry}
}

// AETitle returns the local AE title.
func (n *Negotiator) AETitle() string { return n.aeTitle }

// Negotiate evaluates the called AE title, then each proposed context in
// order. Storage contexts take the first proposed transfer syntax found in
// the registry; any other abstract syntax is accepted with the first
// proposed transfer syntax.
func (n *Negotiator) Negotiate(called, calling string, proposed []PresentationContext) Decision {
	if called != n.aeTitle {
		return Decision{
			Reject: &AssociateReject{
				Result: RejectPermanent,
				Source: SourceServiceUser,
				Reason: ReasonCalledAETitleNotRecognized,
			},
		}
	}

	contexts := make([]PresentationContext, len(proposed))
	for i, pc := range proposed {
		contexts[i] = n.evaluate(pc)
	}
	return Decision{Accepted: true, Contexts: contexts}
}

func (n *Negotiator) evaluate(pc PresentationContext) PresentationContext {
	out := PresentationContext{
		ID:               pc.ID,
		AbstractSyntax:   pc.AbstractSyntax,
		TransferSyntaxes: pc.TransferSyntaxes,
	}

	if !IsStorageSOPClass(pc.AbstractSyntax) {
		out.Result = ContextAccepted
		out.TransferSyntax = ImplicitVRLittleEndian
		if len(pc.TransferSyntaxes) > 0 {
			out.TransferSyntax = pc.TransferSyntaxes[0]
		}
		return out
	}

	for _, ts := range pc.TransferSyntaxes {
		if n.registry.Contains(ts) {
			out.Result = ContextAccepted
			out.TransferSyntax = ts
			return out
		}
	}

	out.Result = ContextTransferSyntaxesNotSupported
	if len(pc.TransferSyntaxes) > 0 {
		out.TransferSyntax = pc.TransferSyntaxes[0]
	}
	return out
}
