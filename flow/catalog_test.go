package flow

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const dealSupportYAML = `id: deal-support
name: Deal Support
trigger: opportunity onboarding
variables:
  region: us-east
steps:
  - id: fetch_opportunities
    type: action
    name: Fetch Opportunities
    agent: crm_agent
    instruction: List open opportunities for {account}
    timeout: 30s
    retry:
      max_attempts: 2
      delay: 500ms
    next_step: check_count
  - id: check_count
    type: condition
    condition:
      operator: not_contains
      left: $fetch_opportunities_result
      right: found 1
    true_next: select_opportunity
    false_next: complete_onboarding
  - id: select_opportunity
    type: human
    instruction: Which opportunity should onboarding use?
    next_step: complete_onboarding
  - id: complete_onboarding
    type: action
    agent: crm_agent
    instruction: Finish onboarding using {select_opportunity_response}
    critical: true
    next_step: end
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(dealSupportYAML))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.ID != "deal-support" || def.Name != "Deal Support" {
		t.Errorf("header fields wrong: %+v", def)
	}
	if def.Variables["region"] != "us-east" {
		t.Errorf("variables not decoded: %v", def.Variables)
	}
	if len(def.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(def.Steps))
	}

	fetch := def.Step("fetch_opportunities")
	if fetch.Timeout.Std() != 30*time.Second {
		t.Errorf("timeout = %v", fetch.Timeout.Std())
	}
	if fetch.Retry == nil || fetch.Retry.MaxAttempts != 2 || fetch.Retry.Delay.Std() != 500*time.Millisecond {
		t.Errorf("retry policy = %+v", fetch.Retry)
	}

	check := def.Step("check_count")
	if check.Condition == nil || check.Condition.Operator != "not_contains" {
		t.Fatalf("condition not decoded: %+v", check.Condition)
	}
	if check.Condition.Left != "$fetch_opportunities_result" || check.Condition.Right != "found 1" {
		t.Errorf("condition operands = %v / %v", check.Condition.Left, check.Condition.Right)
	}

	final := def.Step("complete_onboarding")
	if !final.Critical {
		t.Error("critical flag lost")
	}
	if final.NextStep != End {
		t.Errorf("next_step = %q", final.NextStep)
	}
}

func TestParseDefinitionNumericDuration(t *testing.T) {
	src := `id: timed
name: Timed
steps:
  - id: pause
    type: wait
    wait:
      deadline: 90
    next_step: end
`
	def, err := ParseDefinition([]byte(src))
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if got := def.Step("pause").Wait.Deadline.Std(); got != 90*time.Second {
		t.Errorf("bare numbers should parse as seconds, got %v", got)
	}
}

func TestParseDefinitionRejectsUnknownFields(t *testing.T) {
	src := `id: typo
name: Typo
steps:
  - id: a
    type: action
    agent: worker
    instruction: run
    next_stap: end
`
	if _, err := ParseDefinition([]byte(src)); err == nil {
		t.Fatal("misspelled fields should be rejected, not ignored")
	}
}

func TestParseDefinitionRejectsInvalid(t *testing.T) {
	src := `id: broken
name: Broken
steps:
  - id: a
    type: action
    agent: worker
    instruction: run
    next_step: ghost
`
	_, err := ParseDefinition([]byte(src))
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition, got %v", err)
	}
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	write("20_deal.yaml", dealSupportYAML)
	write("10_ping.yml", `id: ping
name: Ping
steps:
  - id: check
    type: wait
    wait:
      deadline: 1s
    next_step: end
`)
	write("30_broken.yaml", "id: broken\nname: Broken\nsteps: []\n")
	write("notes.txt", "not a template")

	defs, err := LoadDir(dir)
	if err == nil {
		t.Fatal("expected an error for the broken template")
	}
	if !strings.Contains(err.Error(), "30_broken.yaml") {
		t.Errorf("error should name the offending file: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected the 2 good templates, got %d", len(defs))
	}
	// File-name order, not discovery order.
	if defs[0].ID != "ping" || defs[1].ID != "deal-support" {
		t.Errorf("unexpected order: %s, %s", defs[0].ID, defs[1].ID)
	}
}

func TestLoadDirMissing(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected an error for a missing directory")
	}
}
