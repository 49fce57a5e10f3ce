package trace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codetracer-core/pkg/types"
)

func discardLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.PanicLevel)
	return log
}

func writeFile(t *testing.T, dir, name string, v interface{}) {
	t.Helper()
	contents, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), contents, 0o600))
}

func TestRead_SimpleDescriptor(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, simpleMetadataFile, simpleDescriptor{
		Program: "/home/user/prog.py",
		Workdir: "/home/user",
		Args:    []string{"--flag"},
	})

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Equal(t, types.LangPython, meta.Language)
	assert.Equal(t, "/home/user/prog.py", meta.Program)
	assert.Equal(t, "/home/user", meta.Workdir)
	assert.Equal(t, []string{"--flag"}, meta.Args)
	assert.Empty(t, meta.SourceFiles)
	assert.Zero(t, meta.TotalEvents)
}

func TestRead_ExtendedDescriptorWithNumericLangTag(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, extendedMetadataFile, extendedDescriptor{
		Program: "/home/user/prog.noext",
		Workdir: "/home/user",
		Lang:    4, // go, per numericLanguage
	})

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Equal(t, types.LangGo, meta.Language)
}

func TestRead_SimplePreferredOverExtended(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, simpleMetadataFile, simpleDescriptor{Program: "/a/b.rs"})
	writeFile(t, dir, extendedMetadataFile, extendedDescriptor{Program: "/a/b.py", Lang: 12})

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Equal(t, types.LangRust, meta.Language)
	assert.Equal(t, "/a/b.rs", meta.Program)
}

func TestRead_MissingDescriptorFails(t *testing.T) {
	dir := t.TempDir()
	_, err := NewReader(discardLogger()).Read(dir)
	assert.Error(t, err)
}

func TestRead_UnrecognizedExtensionFallsBackToUnknown(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, simpleMetadataFile, simpleDescriptor{Program: "/a/b.xyz"})

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Equal(t, types.LangUnknown, meta.Language)
}

func TestRead_AuxiliaryFilesBestEffort(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, simpleMetadataFile, simpleDescriptor{Program: "/a/b.go"})
	writeFile(t, dir, pathsFile, []string{"/a/b.go", "/a/c.go"})
	writeFile(t, dir, eventsFile, []map[string]int{{"x": 1}, {"x": 2}, {"x": 3}})

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"/a/b.go", "/a/c.go"}, meta.SourceFiles)
	assert.EqualValues(t, 3, meta.TotalEvents)
}

func TestRead_MalformedAuxiliaryFilesDegradeToDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, simpleMetadataFile, simpleDescriptor{Program: "/a/b.go"})
	require.NoError(t, os.WriteFile(filepath.Join(dir, pathsFile), []byte("not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, eventsFile), []byte("not json"), 0o600))

	meta, err := NewReader(discardLogger()).Read(dir)
	require.NoError(t, err)
	assert.Empty(t, meta.SourceFiles)
	assert.Zero(t, meta.TotalEvents)
}

func TestRead_MalformedPrimaryDescriptorFails(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, simpleMetadataFile), []byte("not json"), 0o600))

	_, err := NewReader(discardLogger()).Read(dir)
	assert.Error(t, err)
}
