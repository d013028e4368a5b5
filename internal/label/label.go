// Package label implements C10: slash-hierarchical label/folder naming,
// parent auto-creation, rename/delete cascades (delegated to
// store.LabelRepo, which already owns the cascading SQL), thread
// association mutation with mailbox/thread role checks, and tree listing.
// Grounded on internal/thread's thin-wrapper-over-store style.
package label

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy/internal/mdcerrors"
	"github.com/foxcpp/maddy/internal/model"
	"github.com/foxcpp/maddy/internal/store"
)

// Engine mutates and lists model.Label trees.
type Engine struct {
	store *store.Store
}

func New(s *store.Store) *Engine {
	return &Engine{store: s}
}

// Depth, Basename and ParentName derive a label's hierarchy position from
// its slash-delimited Name (spec.md §4.10 Naming).
func Depth(name string) int {
	return store.Depth(name)
}

func Basename(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}

func ParentName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[:i]
	}
	return ""
}

// Slugify replaces slashes with dashes and lowercases, the slug derivation
// rule from spec.md §4.10 Create.
func Slugify(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, "/", "-"))
}

// Create creates a Label, auto-creating any missing parent labels in the
// same Mailbox with the child's color (existing parents are left as-is).
// Duplicate slug+mailbox is a conflict.
func (e *Engine) Create(mailboxID uuid.UUID, name, color, description string) (*model.Label, error) {
	existing, err := e.store.Labels.GetBySlug(mailboxID, Slugify(name))
	if err != nil {
		return nil, fmt.Errorf("create label: %w", err)
	}
	if existing != nil {
		return nil, mdcerrors.Conflict("label already exists", map[string]interface{}{
			"mailbox_id": mailboxID, "name": name,
		})
	}

	if err := e.ensureParents(mailboxID, ParentName(name), color); err != nil {
		return nil, fmt.Errorf("create label: %w", err)
	}

	l := &model.Label{
		MailboxID:   mailboxID,
		Name:        name,
		Slug:        Slugify(name),
		Color:       color,
		Description: description,
	}
	if err := e.store.Labels.Create(l); err != nil {
		return nil, fmt.Errorf("create label: %w", err)
	}
	return l, nil
}

// ensureParents walks up a dotted path, top-down, creating any segment that
// does not already exist with the given color. Existing parents are left
// untouched (spec.md §4.10: "existing parents are not recolored").
func (e *Engine) ensureParents(mailboxID uuid.UUID, parentName, color string) error {
	if parentName == "" {
		return nil
	}
	segments := strings.Split(parentName, "/")
	for i := range segments {
		name := strings.Join(segments[:i+1], "/")
		existing, err := e.store.Labels.GetByName(mailboxID, name)
		if err != nil {
			return fmt.Errorf("ensure parent labels: %w", err)
		}
		if existing != nil {
			continue
		}
		parent := &model.Label{
			MailboxID: mailboxID,
			Name:      name,
			Slug:      Slugify(name),
			Color:     color,
		}
		if err := e.store.Labels.Create(parent); err != nil {
			return fmt.Errorf("ensure parent labels: %w", err)
		}
	}
	return nil
}

// Rename cascades the new name and regenerated slugs to every descendant,
// delegating to LabelRepo.Rename's single-transaction SQL.
func (e *Engine) Rename(labelID uuid.UUID, newName string) (*model.Label, error) {
	l, err := e.store.Labels.GetByID(labelID)
	if err != nil {
		return nil, fmt.Errorf("rename label: %w", err)
	}
	if err := e.store.Labels.Rename(l, newName); err != nil {
		return nil, fmt.Errorf("rename label: %w", err)
	}
	return l, nil
}

// Delete removes the label and every descendant; thread associations are
// dropped by the label_threads foreign key, threads themselves persist.
func (e *Engine) Delete(labelID uuid.UUID) error {
	l, err := e.store.Labels.GetByID(labelID)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	if err := e.store.Labels.Delete(l); err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	return nil
}

// AddThreads and RemoveThreads mutate the label_threads M2M set. Both
// require the acting user to hold EDITOR/SENDER/ADMIN on the label's
// Mailbox, and the label's Mailbox to hold at least VIEWER on every thread
// being added or removed (spec.md §4.10 Thread operations).
func (e *Engine) AddThreads(userID, labelID uuid.UUID, threadIDs []uuid.UUID) error {
	l, err := e.authorizeMutation(userID, labelID, threadIDs)
	if err != nil {
		return err
	}
	for _, tid := range threadIDs {
		if err := e.store.Labels.AddThread(l.ID, tid); err != nil {
			return fmt.Errorf("add threads to label: %w", err)
		}
	}
	return nil
}

func (e *Engine) RemoveThreads(userID, labelID uuid.UUID, threadIDs []uuid.UUID) error {
	l, err := e.authorizeMutation(userID, labelID, threadIDs)
	if err != nil {
		return err
	}
	for _, tid := range threadIDs {
		if err := e.store.Labels.RemoveThread(l.ID, tid); err != nil {
			return fmt.Errorf("remove threads from label: %w", err)
		}
	}
	return nil
}

func (e *Engine) authorizeMutation(userID, labelID uuid.UUID, threadIDs []uuid.UUID) (*model.Label, error) {
	l, err := e.store.Labels.GetByID(labelID)
	if err != nil {
		return nil, fmt.Errorf("mutate label threads: %w", err)
	}

	access, err := e.store.Mailboxes.AccessFor(l.MailboxID, userID)
	if err != nil {
		return nil, fmt.Errorf("mutate label threads: %w", err)
	}
	if access == nil || !CanMutateLabels(access.Role) {
		return nil, mdcerrors.PermissionDenied("user cannot mutate this label", map[string]interface{}{
			"user_id": userID, "label_id": labelID,
		})
	}

	for _, tid := range threadIDs {
		ta, err := e.store.Threads.AccessFor(tid, l.MailboxID)
		if err != nil {
			return nil, fmt.Errorf("mutate label threads: %w", err)
		}
		if ta == nil {
			return nil, mdcerrors.PermissionDenied("label's mailbox has no access to thread", map[string]interface{}{
				"mailbox_id": l.MailboxID, "thread_id": tid,
			})
		}
	}
	return l, nil
}

// CanMutateLabels reports whether role is at least EDITOR/SENDER/ADMIN —
// the level spec.md §4.10 requires on the label's mailbox for add-threads
// and remove-threads.
func CanMutateLabels(role model.MailboxRole) bool {
	switch role {
	case model.RoleEditor, model.RoleSender, model.RoleAdmin:
		return true
	default:
		return false
	}
}

// Node is one label in the tree returned by List, with its children
// alphabetized by slug.
type Node struct {
	Label    model.Label
	Children []*Node
}

// List returns labels scoped to mailboxID as a tree: roots first (depth 0),
// alphabetically by slug; each node carries its children alphabetized by
// slug. When mailboxID is nil, returns labels across every mailbox userID
// has access to.
func (e *Engine) List(mailboxID *uuid.UUID, userID uuid.UUID) ([]*Node, error) {
	var flat []model.Label
	var err error
	if mailboxID != nil {
		flat, err = e.store.Labels.ListByMailbox(*mailboxID)
	} else {
		flat, err = e.store.Labels.ListAccessibleByMailbox(userID)
	}
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	return buildTree(flat), nil
}

func buildTree(flat []model.Label) []*Node {
	byName := make(map[string]*Node, len(flat))
	for _, l := range flat {
		byName[l.Name] = &Node{Label: l}
	}

	var roots []*Node
	for _, l := range flat {
		n := byName[l.Name]
		parent := ParentName(l.Name)
		if parent == "" {
			roots = append(roots, n)
			continue
		}
		if p, ok := byName[parent]; ok {
			p.Children = append(p.Children, n)
		} else {
			// Parent not in this result set (e.g. filtered out by access);
			// surface the node as a root rather than dropping it.
			roots = append(roots, n)
		}
	}

	sortNodes(roots)
	return roots
}

func sortNodes(nodes []*Node) {
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Label.Slug < nodes[j].Label.Slug })
	for _, n := range nodes {
		sortNodes(n.Children)
	}
}
