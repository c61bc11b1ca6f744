// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testParams struct {
	x         float64
	y         int
	big       uint64
	z         bool
	s         string
	listInt   []int
	listFloat []float64
	listStr   []string
}

func createTestSettings(p *testParams) *Settings {
	p.x = 11.0
	p.y = 7
	p.s = "foo"
	return NewSettings().
		MustBind("x", &p.x).
		MustBind("y", &p.y).
		MustBind("big", &p.big).
		MustBind("z", &p.z).
		MustBind("s", &p.s).
		MustBind("list_int", &p.listInt).
		MustBind("list_float", &p.listFloat).
		MustBind("list_str", &p.listStr)
}

func TestParseSettings(t *testing.T) {
	var p testParams
	s := createTestSettings(&p)

	namesSet, err := s.Parse("x=13;z=true;y=3;s=bar;big=1_000_000;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "z", "y", "s", "big", "list_int", "list_float", "list_str"}, namesSet)
	assert.Equal(t, 13.0, p.x)
	assert.Equal(t, 3, p.y)
	assert.Equal(t, uint64(1_000_000), p.big)
	assert.True(t, p.z)
	assert.Equal(t, "bar", p.s)
	assert.Equal(t, []int{1, 3, 7}, p.listInt)
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, p.listFloat)
	assert.Equal(t, []string{"a", "b"}, p.listStr)

	value, found := s.Value("y")
	require.True(t, found)
	assert.Equal(t, 3, value)
	fmt.Printf("%s\n", SprintModifiedSettings(s, []string{"y", "x", "y", "unknown"}))

	// Setting "q" is unknown.
	_, err = s.Parse("q=3")
	require.Error(t, err)

	// Invalid value: the variable is not changed.
	_, err = s.Parse("y=three")
	require.Error(t, err)
	assert.Equal(t, 3, p.y)
	_, err = s.Parse("list_int=1,x")
	require.Error(t, err)
	assert.Equal(t, []int{1, 3, 7}, p.listInt)

	// Malformed settings.
	_, err = s.Parse("y")
	require.Error(t, err)
	_, err = s.Parse("y=1=2")
	require.Error(t, err)

	// Empty list.
	_, err = s.Parse("list_str=")
	require.NoError(t, err)
	assert.Empty(t, p.listStr)
}

func TestParseSettingsFile(t *testing.T) {
	var p testParams
	s := createTestSettings(&p)
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment line\nx=0.5\n\ny=21;s=from_file\n"), 0o644))

	namesSet, err := s.Parse("z=true;file:" + filePath + ";s=last")
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "x", "y", "s", "s"}, namesSet)
	assert.Equal(t, 0.5, p.x)
	assert.Equal(t, 21, p.y)
	assert.Equal(t, "last", p.s)

	_, err = s.Parse("file:" + filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestBind(t *testing.T) {
	s := NewSettings()
	var x int
	require.NoError(t, s.Bind("x", &x))
	require.Error(t, s.Bind("x", &x), "duplicate name")
	require.Error(t, s.Bind("", &x), "empty name")
	var c complex64
	require.Error(t, s.Bind("c", &c), "unsupported type")
	require.Error(t, s.Bind("v", x), "not a pointer")
	assert.Equal(t, []string{"x"}, s.Names())
}

func TestCreateSettingsFlag(t *testing.T) {
	var p testParams
	s := createTestSettings(&p)
	flagSet := flag.NewFlagSet("test", flag.ContinueOnError)
	settings := CreateSettingsFlag(s, flagSet, "")
	require.NoError(t, flagSet.Parse([]string{"-set=y=5;list_str=q_lin,v_lin"}))
	_, err := s.Parse(*settings)
	require.NoError(t, err)
	assert.Equal(t, 5, p.y)
	assert.Equal(t, []string{"q_lin", "v_lin"}, p.listStr)
	assert.Contains(t, flagSet.Lookup("set").Usage, `"y": default value is 7`)

	printed := SprintSettings(s)
	fmt.Printf("%s\n", printed)
	assert.Contains(t, printed, `"y": (int) 5`)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1_234_567*time.Microsecond))
	assert.Equal(t, "12.3ms", FormatDuration(12_345_600*time.Nanosecond))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second+400*time.Millisecond))
	assert.Equal(t, "-1.5s", FormatDuration(-1500*time.Millisecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
}

func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	rank := 0
	pBar := NewProgressBar(&buf, 4, "ranks", func() (string, string) {
		return "rank", fmt.Sprintf("%d", rank)
	})
	for rank = 1; rank <= 4; rank++ {
		require.NoError(t, pBar.Add(1))
	}
	rank = 4
	require.NoError(t, pBar.Finish())
	out := buf.String()
	fmt.Printf("\t%s\n", out)
	assert.Contains(t, out, "rank")
	assert.Contains(t, out, "4 of 4")
	assert.Equal(t, "66,955,010", HumanizeCount(66_955_010))
}
