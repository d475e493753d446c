package main

import (
	"strings"
	"testing"

	"github.com/dd0wney/cluso-wald/pkg/engine"
)

func TestView_TitleIsPlainASCII(t *testing.T) {
	m := newModel("http://127.0.0.1:7433")
	m.status = engine.NodeStatus{Role: "primary"}

	view := m.View()
	if !strings.Contains(view, "waldtop - http://127.0.0.1:7433") {
		t.Errorf("Title line missing from view:\n%s", view)
	}
	if strings.ContainsRune(view, '—') {
		t.Error("Title must not use an em dash")
	}
}

func TestReplicaRows(t *testing.T) {
	status := engine.NodeStatus{}
	if rows := replicaRows(status); len(rows) != 0 {
		t.Errorf("Expected no rows without replicas, got %d", len(rows))
	}
}
