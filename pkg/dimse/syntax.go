package dimse

import "strings"

// Well-known UIDs used during negotiation.
const (
	ApplicationContextUID = "1.2.840.10008.3.1.1.1"
	VerificationSOPClass  = "1.2.840.10008.1.1"

	ImplicitVRLittleEndian = "1.2.840.10008.1.2"
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	ExplicitVRBigEndian    = "1.2.840.10008.1.2.2"
	// ImplicitVRBigEndian is the GE private syntax, not part of the standard.
	ImplicitVRBigEndian = "1.2.840.113619.5.2"
	JPEGLSLossless      = "1.2.840.10008.1.2.4.80"

	storageSOPClassPrefix = "1.2.840.10008.5.1.4.1.1."
)

// Implementation identity announced in A-ASSOCIATE user information and
// written into the file meta of stored instances.
const (
	ImplementationClassUID    = "1.2.826.0.1.3680043.9.7433.1.2"
	ImplementationVersionName = "PACSLINK_V1"
)

// Registry is an ordered, immutable set of transfer syntaxes.
type Registry struct {
	uids []string
}

// NewRegistry builds a registry. Duplicates and blanks are dropped, order is kept.
func NewRegistry(uids ...string) Registry {
	seen := make(map[string]struct{}, len(uids))
	out := make([]string, 0, len(uids))
	for _, uid := range uids {
		uid = strings.TrimSpace(uid)
		if uid == "" {
			continue
		}
		if _, ok := seen[uid]; ok {
			continue
		}
		seen[uid] = struct{}{}
		out = append(out, uid)
	}
	return Registry{uids: out}
}

// DefaultStorageRegistry lists the syntaxes accepted for storage contexts.
func DefaultStorageRegistry() Registry {
	return NewRegistry(
		ExplicitVRLittleEndian,
		ImplicitVRLittleEndian,
		ImplicitVRBigEndian,
		JPEGLSLossless,
	)
}

// Contains reports whether uid is in the registry.
func (r Registry) Contains(uid string) bool {
	for _, u := range r.uids {
		if u == uid {
			return true
		}
	}
	return false
}

// UIDs returns a copy of the registry contents in preference order.
func (r Registry) UIDs() []string {
	out := make([]string, len(r.uids))
	copy(out, r.uids)
	return out
}

// Len returns the number of syntaxes.
func (r Registry) Len() int { return len(r.uids) }

// IsStorageSOPClass reports whether uid names a storage service class.
func IsStorageSOPClass(uid string) bool {
	return strings.HasPrefix(uid, storageSOPClassPrefix)
}
