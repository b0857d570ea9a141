package memory

import (
	"github.com/google/uuid"

	"github.com/lims/lims/internal/lims"
)

// PartitionSnapshot is the serialisable form of one tenant's data.
type PartitionSnapshot struct {
	Patients    []lims.Patient       `json:"patients"`
	Offerings   []lims.Offering      `json:"offerings"`
	Requests    []lims.Request       `json:"requests"`
	Samples     []lims.Sample        `json:"samples"`
	Assignments []lims.Assignment    `json:"assignments"`
	Results     []resultRow          `json:"results"`
	Equipment   []equipmentRow       `json:"equipment"`
	Held        []lims.HeldResult    `json:"held"`
	Logs        []lims.InstrumentLog `json:"logs"`
	Audit       []lims.AuditEvent    `json:"audit"`
}

// resultRow and equipmentRow carry the fields the API hides.
type resultRow struct {
	lims.Result
	Key string `json:"idempotency_key,omitempty"`
}

type equipmentRow struct {
	lims.Equipment
	Secret string `json:"api_key,omitempty"`
}

func values[T any](m map[uuid.UUID]*T) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, *v)
	}
	return out
}

func (p *partition) snapshot() PartitionSnapshot {
	snap := PartitionSnapshot{
		Patients:    values(p.patients),
		Offerings:   values(p.offerings),
		Requests:    values(p.requests),
		Samples:     values(p.samples),
		Assignments: values(p.assignments),
		Held:        values(p.held),
	}
	for _, r := range p.results {
		snap.Results = append(snap.Results, resultRow{Result: *r, Key: r.IdempotencyKey})
	}
	for _, e := range p.equipment {
		snap.Equipment = append(snap.Equipment, equipmentRow{Equipment: *e, Secret: e.APIKey})
	}
	for _, l := range p.logs {
		snap.Logs = append(snap.Logs, *l)
	}
	for _, a := range p.audit {
		snap.Audit = append(snap.Audit, *a)
	}
	return snap
}

func fromSnapshot(snap PartitionSnapshot) *partition {
	p := newPartition()
	for i := range snap.Patients {
		v := snap.Patients[i]
		p.patients[v.ID] = &v
	}
	for i := range snap.Offerings {
		v := snap.Offerings[i]
		p.offerings[v.ID] = &v
	}
	for i := range snap.Requests {
		v := snap.Requests[i]
		p.requests[v.ID] = &v
	}
	for i := range snap.Samples {
		v := snap.Samples[i]
		p.samples[v.ID] = &v
	}
	for i := range snap.Assignments {
		v := snap.Assignments[i]
		p.assignments[v.ID] = &v
	}
	for _, row := range snap.Results {
		v := row.Result
		v.IdempotencyKey = row.Key
		p.results[v.ID] = &v
	}
	for _, row := range snap.Equipment {
		v := row.Equipment
		v.APIKey = row.Secret
		p.equipment[v.ID] = &v
	}
	for i := range snap.Held {
		v := snap.Held[i]
		p.held[v.ID] = &v
	}
	for i := range snap.Logs {
		v := snap.Logs[i]
		p.logs = append(p.logs, &v)
	}
	for i := range snap.Audit {
		v := snap.Audit[i]
		p.audit = append(p.audit, &v)
	}
	return p
}

// Import replaces the store contents. It is used when restoring from a
// persister and must run before the store is shared.
func (s *Store) Import(tenants []lims.Tenant, parts map[uuid.UUID]PartitionSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants = make(map[uuid.UUID]*lims.Tenant, len(tenants))
	for i := range tenants {
		t := tenants[i]
		s.tenants[t.ID] = &t
	}
	s.data = make(map[uuid.UUID]*tenantData, len(parts))
	for id, snap := range parts {
		s.data[id] = &tenantData{data: fromSnapshot(snap)}
	}
}

