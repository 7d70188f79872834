package dns

import (
	"strings"

	"github.com/koltyakov/edgeman/internal/domain"
)

// OpKind is the kind of a provider mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Op is one provider mutation. For updates and deletes Record.ProviderID
// identifies the live record; for updates Record carries the new content.
type Op struct {
	Kind   OpKind           `json:"kind"`
	Record domain.DNSRecord `json:"record"`
	// Live is the record being replaced or removed.
	Live *domain.DNSRecord `json:"live,omitempty"`
}

// Plan is the outcome of diffing one domain's desired SYSTEM records
// against its live zone.
type Plan struct {
	Create []Op `json:"create,omitempty"`
	Update []Op `json:"update,omitempty"`
	Delete []Op `json:"delete,omitempty"`
	// Kept holds desired records already present live with the right
	// content and flags.
	Kept []domain.DNSRecord `json:"kept,omitempty"`
	// Imported holds live records this system does not own.
	Imported []domain.DNSRecord `json:"imported,omitempty"`
	Warnings []domain.Issue     `json:"warnings,omitempty"`
}

// Empty reports whether the plan needs no provider calls.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Update) == 0 && len(p.Delete) == 0
}

type ownership int

const (
	foreign ownership = iota
	owned
	userOwned
)

func classify(live domain.DNSRecord, previous, user []domain.DNSRecord) ownership {
	for _, u := range user {
		if u.ProviderID != "" && u.ProviderID == live.ProviderID {
			return userOwned
		}
		if u.Key() == live.Key() && strings.EqualFold(u.Content, live.Content) {
			return userOwned
		}
	}
	if live.Comment == OwnershipComment {
		return owned
	}
	for _, p := range previous {
		if p.ProviderID != "" && p.ProviderID == live.ProviderID {
			return owned
		}
		if p.ProviderID == "" && recordID(p) == recordID(live) {
			return owned
		}
	}
	return foreign
}

func sameFlags(a, b domain.DNSRecord) bool {
	if a.Proxied != b.Proxied {
		return false
	}
	if (a.Priority == nil) != (b.Priority == nil) {
		return false
	}
	if a.Priority != nil && *a.Priority != *b.Priority {
		return false
	}
	return a.Comment == b.Comment
}

// Diff computes the mutations that converge live onto desired. previous is
// the SYSTEM generation persisted by the last pass and user the operator's
// records. Live USER records are never updated or deleted; a USER record
// missing from the zone is created. A live record that is owned neither by
// this system nor by an operator record becomes IMPORTED, and a desired
// record whose name is held by an IMPORTED record is left to the operator
// with a warning.
func Diff(desired, live, previous, user []domain.DNSRecord) Plan {
	var plan Plan

	ownedByKey := make(map[domain.RecordKey][]domain.DNSRecord)
	foreignNames := make(map[string][]domain.DNSRecord)
	var ownedKeys []domain.RecordKey
	for _, l := range live {
		switch classify(l, previous, user) {
		case userOwned:
		case owned:
			k := l.Key()
			if _, ok := ownedByKey[k]; !ok {
				ownedKeys = append(ownedKeys, k)
			}
			ownedByKey[k] = append(ownedByKey[k], l)
		default:
			l.Provenance = domain.ProvenanceImported
			plan.Imported = append(plan.Imported, l)
			foreignNames[l.Key().Name] = append(foreignNames[l.Key().Name], l)
		}
	}

	plan.Create = append(plan.Create, missingUserRecords(live, user, foreignNames, &plan.Warnings)...)

	desiredByKey := make(map[domain.RecordKey][]domain.DNSRecord)
	var desiredKeys []domain.RecordKey
	for _, d := range desired {
		k := d.Key()
		if _, ok := desiredByKey[k]; !ok {
			desiredKeys = append(desiredKeys, k)
		}
		desiredByKey[k] = append(desiredByKey[k], d)
	}

	for _, k := range desiredKeys {
		want := desiredByKey[k]
		have := ownedByKey[k]
		delete(ownedByKey, k)

		if blocker, ok := blockedBy(k, foreignNames[k.Name]); ok {
			plan.Warnings = append(plan.Warnings, domain.Warn("record "+k.String(),
				"live "+blocker.Type+" record not created by this system holds the name; leaving it to the operator"))
			for _, h := range have {
				h := h
				plan.Delete = append(plan.Delete, Op{Kind: OpDelete, Record: h, Live: &h})
			}
			continue
		}

		used := make([]bool, len(have))
		var pending []domain.DNSRecord
		for _, w := range want {
			matched := false
			for i, h := range have {
				if used[i] || !strings.EqualFold(h.Content, w.Content) {
					continue
				}
				used[i] = true
				matched = true
				w.ProviderID = h.ProviderID
				if sameFlags(w, h) {
					plan.Kept = append(plan.Kept, w)
				} else {
					h := h
					plan.Update = append(plan.Update, Op{Kind: OpUpdate, Record: w, Live: &h})
				}
				break
			}
			if !matched {
				pending = append(pending, w)
			}
		}
		for _, w := range pending {
			reused := false
			for i, h := range have {
				if used[i] {
					continue
				}
				used[i] = true
				reused = true
				w.ProviderID = h.ProviderID
				h := h
				plan.Update = append(plan.Update, Op{Kind: OpUpdate, Record: w, Live: &h})
				break
			}
			if !reused {
				plan.Create = append(plan.Create, Op{Kind: OpCreate, Record: w})
			}
		}
		for i, h := range have {
			if !used[i] {
				h := h
				plan.Delete = append(plan.Delete, Op{Kind: OpDelete, Record: h, Live: &h})
			}
		}
	}

	for _, k := range ownedKeys {
		for _, h := range ownedByKey[k] {
			h := h
			plan.Delete = append(plan.Delete, Op{Kind: OpDelete, Record: h, Live: &h})
		}
	}
	return plan
}

// missingUserRecords returns create ops for USER records absent from the
// zone. A USER record that would collide with a foreign CNAME mix is skipped
// with a warning.
func missingUserRecords(live, user []domain.DNSRecord, foreignNames map[string][]domain.DNSRecord, warnings *[]domain.Issue) []Op {
	present := make(map[string]bool, len(live))
	for _, l := range live {
		present[recordID(l)] = true
	}
	var ops []Op
	for _, u := range user {
		if present[recordID(u)] {
			continue
		}
		k := u.Key()
		if blocker, ok := cnameClash(k, foreignNames[k.Name]); ok {
			*warnings = append(*warnings, domain.Warn("record "+k.String(),
				"USER record not published: live "+blocker.Type+" record not created by this system holds the name"))
			continue
		}
		rec := u
		rec.ProviderID = ""
		rec.Provenance = domain.ProvenanceUser
		if rec.TTL <= 0 {
			rec.TTL = 1
		}
		present[recordID(rec)] = true
		ops = append(ops, Op{Kind: OpCreate, Record: rec})
	}
	return ops
}

func cnameClash(k domain.RecordKey, foreignAtName []domain.DNSRecord) (domain.DNSRecord, bool) {
	for _, f := range foreignAtName {
		if f.Key().Type == domain.RecordCNAME || k.Type == domain.RecordCNAME {
			return f, true
		}
	}
	return domain.DNSRecord{}, false
}

// blockedBy reports a foreign live record that prevents publishing records
// under key k: one with the same type, or any CNAME mix at the same name.
func blockedBy(k domain.RecordKey, foreignAtName []domain.DNSRecord) (domain.DNSRecord, bool) {
	for _, f := range foreignAtName {
		fk := f.Key()
		if fk.Type == k.Type || fk.Type == domain.RecordCNAME || k.Type == domain.RecordCNAME {
			return f, true
		}
	}
	return domain.DNSRecord{}, false
}
