package router

import (
	"errors"
	"testing"

	"github.com/ganger-platform/aigateway/pkg/models"
	"github.com/ganger-platform/aigateway/pkg/registry"
)

func newRouter(t *testing.T) *Router {
	t.Helper()
	catalog := []models.ModelDescriptor{
		{ID: "primary", Tier: 1, MaxTokens: 100, HIPAACompliant: true},
		{ID: "secondary", Tier: 1, MaxTokens: 100, HIPAACompliant: false},
		{ID: "fallback", Tier: 2, MaxTokens: 100, HIPAACompliant: true},
	}
	reg, err := registry.New(catalog, map[models.UseCase][]string{
		models.UseCaseRealTimeChat:         {"fallback", "primary", "secondary"},
		models.UseCasePatientCommunication: {"secondary"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(reg)
}

func ids(list []models.ModelDescriptor) []string {
	out := make([]string, len(list))
	for i, m := range list {
		out[i] = m.ID
	}
	return out
}

func TestSelectCandidatesOrder(t *testing.T) {
	r := newRouter(t)
	got, err := r.SelectCandidates(models.UseCaseRealTimeChat, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"primary", "secondary", "fallback"}
	for i := range want {
		if got[i].ID != want[i] {
			t.Fatalf("expected %v, got %v", want, ids(got))
		}
	}
}

func TestSelectCandidatesExcludesTried(t *testing.T) {
	r := newRouter(t)
	got, err := r.SelectCandidates(models.UseCaseRealTimeChat, false, "primary")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "secondary" {
		t.Errorf("expected failover to secondary, got %v", ids(got))
	}
}

func TestSelectCandidatesClinicalDropsNonHIPAA(t *testing.T) {
	r := newRouter(t)
	got, err := r.SelectCandidates(models.UseCaseRealTimeChat, true)
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range got {
		if m.ID == "secondary" {
			t.Errorf("non-compliant model returned for clinical request: %v", ids(got))
		}
	}
}

func TestSelectCandidatesEmpty(t *testing.T) {
	r := newRouter(t)
	_, err := r.SelectCandidates(models.UseCasePatientCommunication, true)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}

	_, err = r.SelectCandidates(models.UseCaseRealTimeChat, false, "primary", "secondary", "fallback")
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates after exclusions, got %v", err)
	}
}

func TestSelectCandidatesUnknownCapability(t *testing.T) {
	r := newRouter(t)
	_, err := r.SelectCandidates("unmapped", false)
	if !IsConfigError(err) {
		t.Errorf("expected config error, got %v", err)
	}
}
