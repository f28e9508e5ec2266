package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPlan = `
pipeline {
  memory = 60
  files  = 8

  node "scan" {
    memory {
      fraction = 1
    }
  }

  node "sort" {
    memory {
      fraction = 2
    }
  }

  node "write" {
    memory {
      fraction = 3
    }
  }

  relation {
    from = "scan"
    to   = "sort"
    kind = "pushes"
  }

  relation {
    from = "sort"
    to   = "write"
    kind = "pushes"
  }
}
`

func writePlan(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "plan.hcl")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestRunPrintsPlan(t *testing.T) {
	path := writePlan(t, testPlan)

	var out bytes.Buffer
	err := run(&out, []string{path})
	require.NoError(t, err)

	text := out.String()
	assert.Contains(t, text, "3 nodes, 1 phases")
	assert.Contains(t, text, "Phase 0:")
	assert.Contains(t, text, "scan")
	assert.Contains(t, text, "memory=10 ")
	assert.Contains(t, text, "memory=20 ")
	assert.Contains(t, text, "memory=30 ")
}

func TestRunDotOutput(t *testing.T) {
	path := writePlan(t, testPlan)

	var out bytes.Buffer
	err := run(&out, []string{"-dot", path})
	require.NoError(t, err)
	assert.Contains(t, out.String(), "digraph {")
}

func TestRunMissingPlan(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, []string{filepath.Join(t.TempDir(), "absent.hcl")})
	assert.Error(t, err)
}

func TestRunNoArguments(t *testing.T) {
	var out bytes.Buffer
	err := run(&out, nil)
	assert.Error(t, err)
	assert.Contains(t, out.String(), "Usage:")
}
