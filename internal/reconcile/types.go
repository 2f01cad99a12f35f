package reconcile

import (
	"encoding/base64"
	"fmt"
)

// Artifact is a named configuration unit as reported by the control plane.
// Draft and Published hold base64-encoded content.
type Artifact struct {
	ID        string
	Name      string // file name relative to the mirror root
	Digest    string // remote content digest, hex SHA-256
	Draft     string
	Published string
	Deployed  bool
}

// Payload returns the decoded effective content: Published when it is
// non-empty, Draft otherwise.
func (a Artifact) Payload() ([]byte, error) {
	encoded := a.Published
	if encoded == "" {
		encoded = a.Draft
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: artifact %s (%s): %v", ErrInvalidPayload, a.ID, a.Name, err)
	}
	return data, nil
}

// Write is a planned file write.
type Write struct {
	Artifact Artifact
	Content  []byte // decoded effective payload
	Created  bool   // no local file existed
}

// Plan is the outcome of a reconciliation. It is built once per run and
// must not be modified after Reconcile returns it.
type Plan struct {
	ToWrite  []Write
	ToDelete []string
	Dirty    bool
}

// WriteNames returns the file names planned for writing, in plan order.
func (p *Plan) WriteNames() []string {
	names := make([]string, 0, len(p.ToWrite))
	for _, w := range p.ToWrite {
		names = append(names, w.Artifact.Name)
	}
	return names
}
