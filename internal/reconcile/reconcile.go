// Package reconcile diffs the deployed remote artifact set against a shallow
// snapshot of the mirror directory and produces the writes and deletions that
// bring the two into agreement. It performs no I/O of its own.
package reconcile

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/varnishops/gitvcl/internal/digest"
)

var (
	// ErrUnsafeName is returned for artifact or file names that would escape
	// the mirror root or clobber repository metadata.
	ErrUnsafeName = errors.New("unsafe artifact name")
	// ErrDuplicateName is returned when two deployed artifacts share a name.
	ErrDuplicateName = errors.New("duplicate deployed artifact name")
	// ErrInvalidPayload is returned when an artifact's content is not valid base64.
	ErrInvalidPayload = errors.New("invalid artifact payload")
)

// ReadFunc returns the current content of a local file in the mirror root.
type ReadFunc func(name string) ([]byte, error)

// ValidateName checks that name is a single, plain path element.
func ValidateName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator", ErrUnsafeName, name)
	case strings.EqualFold(name, ".git"):
		return fmt.Errorf("%w: %q is reserved", ErrUnsafeName, name)
	}
	return nil
}

// ValidateLocalName checks a name found in the mirror directory. Local names
// come from a directory listing, so only separators and repository metadata
// are rejected; characters such as a backslash are legal file names.
func ValidateLocalName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return fmt.Errorf("%w: %q", ErrUnsafeName, name)
	case filepath.Base(name) != name, strings.ContainsAny(name, "/\x00"):
		return fmt.Errorf("%w: %q is not a single path element", ErrUnsafeName, name)
	case strings.EqualFold(name, ".git"):
		return fmt.Errorf("%w: %q is reserved", ErrUnsafeName, name)
	}
	return nil
}

// Reconcile computes the plan for the given remote artifacts and the names of
// the regular files currently at the top level of the mirror directory.
// Artifacts that are not deployed are ignored. Any unsafe or duplicate name
// among deployed artifacts fails the whole reconciliation.
func Reconcile(artifacts []Artifact, localNames []string, readLocal ReadFunc) (*Plan, error) {
	local := make(map[string]bool, len(localNames))
	for _, name := range localNames {
		if err := ValidateLocalName(name); err != nil {
			return nil, fmt.Errorf("local file: %w", err)
		}
		local[name] = true
	}

	deployed := make([]Artifact, 0, len(artifacts))
	seen := make(map[string]string, len(artifacts))
	for _, a := range artifacts {
		if !a.Deployed {
			continue
		}
		if err := ValidateName(a.Name); err != nil {
			return nil, fmt.Errorf("artifact %s: %w", a.ID, err)
		}
		if prev, ok := seen[a.Name]; ok {
			return nil, fmt.Errorf("%w: %q (artifacts %s and %s)", ErrDuplicateName, a.Name, prev, a.ID)
		}
		seen[a.Name] = a.ID
		deployed = append(deployed, a)
	}
	sort.Slice(deployed, func(i, j int) bool { return deployed[i].Name < deployed[j].Name })

	plan := &Plan{}
	for _, a := range deployed {
		content, err := a.Payload()
		if err != nil {
			return nil, err
		}

		if !local[a.Name] {
			plan.ToWrite = append(plan.ToWrite, Write{Artifact: a, Content: content, Created: true})
			continue
		}

		remoteDigest := a.Digest
		if strings.TrimSpace(remoteDigest) == "" {
			remoteDigest = digest.Of(content)
		}

		current, err := readLocal(a.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", a.Name, err)
		}
		if digest.IsChanged(current, remoteDigest) {
			plan.ToWrite = append(plan.ToWrite, Write{Artifact: a, Content: content})
		}
	}

	for name := range local {
		if _, ok := seen[name]; !ok {
			plan.ToDelete = append(plan.ToDelete, name)
		}
	}
	sort.Strings(plan.ToDelete)

	plan.Dirty = len(plan.ToWrite) > 0 || len(plan.ToDelete) > 0
	return plan, nil
}
