package label

import (
	"testing"

	"github.com/google/uuid"

	"github.com/foxcpp/maddy/internal/model"
)

func TestSlugify(t *testing.T) {
	cases := map[string]string{
		"Work":                 "work",
		"Work/Projects":        "work-projects",
		"Work/Projects/Urgent": "work-projects-urgent",
		"MixedCase/ABC":        "mixedcase-abc",
	}
	for name, want := range cases {
		if got := Slugify(name); got != want {
			t.Errorf("Slugify(%q) = %q, want %q", name, got, want)
		}
	}
}

func TestDepthBasenameParentName(t *testing.T) {
	if got := Depth("Work/Projects/Urgent"); got != 3 {
		t.Errorf("Depth = %d, want 3", got)
	}
	if got := Depth("Work"); got != 1 {
		t.Errorf("Depth = %d, want 1", got)
	}
	if got := Basename("Work/Projects/Urgent"); got != "Urgent" {
		t.Errorf("Basename = %q, want Urgent", got)
	}
	if got := Basename("Work"); got != "Work" {
		t.Errorf("Basename = %q, want Work", got)
	}
	if got := ParentName("Work/Projects/Urgent"); got != "Work/Projects" {
		t.Errorf("ParentName = %q, want Work/Projects", got)
	}
	if got := ParentName("Work"); got != "" {
		t.Errorf("ParentName = %q, want empty", got)
	}
}

func TestCanMutateLabels(t *testing.T) {
	allowed := []model.MailboxRole{model.RoleEditor, model.RoleSender, model.RoleAdmin}
	for _, r := range allowed {
		if !CanMutateLabels(r) {
			t.Errorf("CanMutateLabels(%q) = false, want true", r)
		}
	}
	if CanMutateLabels(model.RoleViewer) {
		t.Error("CanMutateLabels(viewer) = true, want false")
	}
}

func TestBuildTree_RootsFirstAlphabeticalBySlug(t *testing.T) {
	mailboxID := uuid.New()
	flat := []model.Label{
		{Name: "Zebra", Slug: "zebra", MailboxID: mailboxID},
		{Name: "Work", Slug: "work", MailboxID: mailboxID},
		{Name: "Work/Projects", Slug: "work-projects", MailboxID: mailboxID},
		{Name: "Work/Billing", Slug: "work-billing", MailboxID: mailboxID},
		{Name: "Work/Projects/Urgent", Slug: "work-projects-urgent", MailboxID: mailboxID},
	}
	roots := buildTree(flat)
	if len(roots) != 2 {
		t.Fatalf("expected 2 root nodes, got %d", len(roots))
	}
	if roots[0].Label.Slug != "work" || roots[1].Label.Slug != "zebra" {
		t.Fatalf("roots not sorted by slug: got %q, %q", roots[0].Label.Slug, roots[1].Label.Slug)
	}

	work := roots[0]
	if len(work.Children) != 2 {
		t.Fatalf("expected 2 children under Work, got %d", len(work.Children))
	}
	if work.Children[0].Label.Slug != "work-billing" || work.Children[1].Label.Slug != "work-projects" {
		t.Fatalf("Work children not sorted by slug: got %q, %q",
			work.Children[0].Label.Slug, work.Children[1].Label.Slug)
	}

	projects := work.Children[1]
	if len(projects.Children) != 1 || projects.Children[0].Label.Slug != "work-projects-urgent" {
		t.Fatalf("expected Urgent nested under Work/Projects")
	}
}

func TestBuildTree_OrphanSurfacesAsRoot(t *testing.T) {
	flat := []model.Label{
		{Name: "Work/Projects", Slug: "work-projects"},
	}
	roots := buildTree(flat)
	if len(roots) != 1 || roots[0].Label.Slug != "work-projects" {
		t.Fatalf("expected orphaned child to surface as root, got %+v", roots)
	}
}
