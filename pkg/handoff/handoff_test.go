package handoff

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingReport = "## Build\n" +
	"workdir: `services/api`\n" +
	"Command:\n```\nmake build\n```\n" +
	"Result:\n```\ncompiled 42 targets, exit=0\n```\n" +
	"\n## Tests\n" +
	"Command:\n```\ngo test ./...\n```\n" +
	"Result:\n```\nok all packages, failures: 0\n```\n"

const failingReport = "## Build\n" +
	"Command:\n```\nmvn package\n```\n" +
	"Result:\n```\nBUILD FAILURE\nFailed to execute goal compile\n```\n" +
	"\n## Tests\n" +
	"Command:\n```\nmvn test\n```\n" +
	"Result:\n```\nnot run, blocked on build\n```\n"

func TestParseClassifiesSections(t *testing.T) {
	entries := Parse(passingReport)
	require.Len(t, entries, 2)

	assert.Equal(t, "Build", entries[0].Section)
	assert.Equal(t, "make build", entries[0].Command)
	assert.Equal(t, "services/api", entries[0].Workdir)
	assert.Equal(t, StatusSuccess, entries[0].Status)

	assert.Equal(t, "Tests", entries[1].Section)
	assert.Equal(t, StatusSuccess, entries[1].Status)
}

func TestParseDetectsFailureAndSignature(t *testing.T) {
	entries := Parse(failingReport)
	require.Len(t, entries, 2)

	assert.Equal(t, StatusFailed, entries[0].Status)
	assert.Equal(t, "BUILD FAILURE", entries[0].ErrorSignature)
	assert.NotEmpty(t, entries[0].ErrorHash)

	assert.Equal(t, StatusSkipped, entries[1].Status)
	assert.Empty(t, entries[1].ErrorSignature)
}

func TestParseZeroCountersAreNotFailures(t *testing.T) {
	report := "## Tests\nCommand:\n```\npytest\n```\nResult:\n```\n12 passed, failures: 0, errors: 0\n```\n"
	entries := Parse(report)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSuccess, entries[0].Status)
}

func TestParseMissingCommandIsSkipped(t *testing.T) {
	report := "## Lint\nCommand:\n```\nn/a for this phase\n```\nResult:\n```\ndeferred\n```\n"
	entries := Parse(report)
	require.Len(t, entries, 1)
	assert.Equal(t, StatusSkipped, entries[0].Status)
}

func TestParseResultWithoutFenceFallsBackToNextLine(t *testing.T) {
	report := "## Build\nCommand:\nmake all\nResult:\nexit=0 fine\n"
	entries := Parse(report)
	require.Len(t, entries, 1)
	assert.Equal(t, "make all", entries[0].Command)
	assert.Equal(t, StatusSuccess, entries[0].Status)
}

func TestMissingReportsAbsentSections(t *testing.T) {
	missing := Missing(passingReport, []string{"Build", "Tests", "Deploy"})
	assert.Equal(t, []string{"Deploy"}, missing)

	assert.Empty(t, Missing(passingReport, []string{"build", "tests"}))
}

func TestReadyRequiresAllSectionsAndNoFailures(t *testing.T) {
	assert.True(t, Ready(passingReport, []string{"Build", "Tests"}))
	assert.False(t, Ready(passingReport, []string{"Build", "Tests", "Deploy"}))
	assert.False(t, Ready(failingReport, []string{"Build", "Tests"}))
}

func TestHintsPairFailureWithLaterSuccess(t *testing.T) {
	entries := []Entry{
		{Section: "Build", Workdir: "api", Status: StatusFailed, ErrorSignature: "BUILD FAILURE"},
		{Section: "Build", Workdir: "api", Status: StatusSuccess, Command: "mvn -pl api package"},
	}
	hints := Hints(entries, 4)
	require.Len(t, hints, 1)
	assert.Contains(t, hints[0], "Build failed before (BUILD FAILURE)")
	assert.Contains(t, hints[0], "`mvn -pl api package`")
}

func TestHintsIgnoreSuccessWithoutPriorFailure(t *testing.T) {
	entries := []Entry{
		{Section: "Tests", Status: StatusSuccess, Command: "go test ./..."},
	}
	assert.Empty(t, Hints(entries, 4))
}
