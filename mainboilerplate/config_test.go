package mainboilerplate

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	Daemon struct {
		Address string `long:"address" description:"Address the daemon serves on"`
	} `group:"Daemon" namespace:"daemon"`
}

func TestConfigFileParsing(t *testing.T) {
	// Render an INI fixture from a configured parser, so the file matches
	// whatever form go-flags expects to read back.
	var c1 testConfig
	c1.Daemon.Address = "http://elsewhere:9000"

	var buf bytes.Buffer
	flags.NewIniParser(flags.NewParser(&c1, flags.Default)).
		Write(&buf, flags.IniIncludeDefaults)
	buf.WriteString("option-of-another-binary = ignored\n")

	var dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sluice.ini"), buf.Bytes(), 0600))

	// The file is found under a search-path prefix, and its unknown option
	// is tolerated.
	var c2 testConfig
	require.NoError(t, parseConfig(
		flags.NewParser(&c2, flags.Default), "sluice.ini", []string{dir}))
	assert.Equal(t, "http://elsewhere:9000", c2.Daemon.Address)
}

func TestMissingConfigFileIsNotAnError(t *testing.T) {
	var cfg testConfig
	require.NoError(t, parseConfig(
		flags.NewParser(&cfg, flags.Default), "absent.ini", []string{t.TempDir()}))
	assert.Empty(t, cfg.Daemon.Address)
}
