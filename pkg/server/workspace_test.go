package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/celonis/homcc/pkg/arguments"
	"github.com/stretchr/testify/require"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := NewWorkspace(t.TempDir(), "/home/user/project")
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func TestMapCwd(t *testing.T) {
	w := newWorkspace(t)
	require.Equal(t, filepath.Join(w.InstanceDir(), "home/user/project"), w.MappedCwd())

	info, err := os.Stat(w.MappedCwd())
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestMapPath(t *testing.T) {
	w := newWorkspace(t)

	require.Equal(t,
		filepath.Join(w.InstanceDir(), "home/user/project/include/foo.h"),
		w.MapPath("/home/user/project/include/foo.h"),
	)
	require.Equal(t,
		filepath.Join(w.MappedCwd(), "src/main.cpp"),
		w.MapPath("src/main.cpp"),
	)
}

func TestMapArguments(t *testing.T) {
	w := newWorkspace(t)

	mapped := w.MapArguments(arguments.From(
		"g++",
		"-Iinclude",
		"-isystem", "/opt/toolchain/include",
		"-c", "src/main.cpp",
		"-o", "main.o",
	))

	require.Equal(t, []string{
		"g++",
		"-I" + filepath.Join(w.MappedCwd(), "include"),
		"-isystem", filepath.Join(w.InstanceDir(), "opt/toolchain/include"),
		"-c", filepath.Join(w.MappedCwd(), "src/main.cpp"),
		"-o", filepath.Join(w.MappedCwd(), "main.o"),
	}, mapped.Args())
}

func TestMapArgumentsCombinedOutput(t *testing.T) {
	w := newWorkspace(t)

	mapped := w.MapArguments(arguments.From("g++", "-c", "main.cpp", "-omain.o"))
	require.Equal(t, []string{
		"g++", "-c",
		filepath.Join(w.MappedCwd(), "main.cpp"),
		"-o" + filepath.Join(w.MappedCwd(), "main.o"),
	}, mapped.Args())
}

func TestMapArgumentsLeavesPlainFlags(t *testing.T) {
	w := newWorkspace(t)

	mapped := w.MapArguments(arguments.From("g++", "-Wall", "-std=c++17", "-c", "main.cpp"))
	require.Equal(t, []string{
		"g++", "-Wall", "-std=c++17", "-c",
		filepath.Join(w.MappedCwd(), "main.cpp"),
	}, mapped.Args())
}

func TestMapDependencies(t *testing.T) {
	w := newWorkspace(t)

	mapped := w.MapDependencies(map[string]string{
		"/home/user/project/include/foo.h": "aaaa",
		"/home/user/other/bar.h":           "bbbb",
	})
	require.Equal(t, map[string]string{
		filepath.Join(w.InstanceDir(), "home/user/project/include/foo.h"): "aaaa",
		filepath.Join(w.InstanceDir(), "home/user/other/bar.h"):           "bbbb",
	}, mapped)
}

func TestWriteDependency(t *testing.T) {
	w := newWorkspace(t)

	path := w.MapPath("/home/user/project/include/foo.h")
	require.NoError(t, w.WriteDependency(path, []byte("#pragma once\n")))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "#pragma once\n", string(content))
}

func TestLinkDependency(t *testing.T) {
	w := newWorkspace(t)

	cached := filepath.Join(t.TempDir(), "cached")
	require.NoError(t, os.WriteFile(cached, []byte("cached content"), 0o644))

	path := w.MapPath("/home/user/project/include/foo.h")
	require.NoError(t, w.LinkDependency(cached, path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "cached content", string(content))
}

func TestCloseRemovesInstanceDir(t *testing.T) {
	w, err := NewWorkspace(t.TempDir(), "/home/user/project")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = os.Stat(w.InstanceDir())
	require.True(t, os.IsNotExist(err))
}

func TestInstanceDirsAreUnique(t *testing.T) {
	base := t.TempDir()
	first, err := NewWorkspace(base, "/home/user/project")
	require.NoError(t, err)
	second, err := NewWorkspace(base, "/home/user/project")
	require.NoError(t, err)

	require.NotEqual(t, first.InstanceDir(), second.InstanceDir())
	require.True(t, strings.HasPrefix(first.InstanceDir(), filepath.Join(base, "homcc")))
}
