// Package naming derives collision-free, filesystem-safe output filenames for
// message parts.
//
// The existence check performed here only keeps collisions unlikely. Two
// writers racing for the same name are separated by the exclusive create in
// package writer, which is the authoritative guard.
package naming

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// reserved holds the characters stripped from every filename. The set is the
// union of what Windows and POSIX filesystems reject so extracted files can be
// moved between platforms.
const reserved = `<>:"/\|?*`

// Resolver picks filenames inside Dir.
type Resolver struct {
	Dir    string
	Exists func(path string) bool
}

// New returns a Resolver that checks the real filesystem under dir.
func New(dir string) *Resolver {
	return &Resolver{Dir: dir, Exists: PathExists}
}

// Resolve returns a filename of the form
// {messageBase}_{part}{disambiguator}{ext} that does not exist in Dir yet.
// When hint is set its base name replaces partName and its extension
// replaces defaultExt. The disambiguator is empty on the first attempt and
// counts 0, 1, 2, ... afterwards.
func (r *Resolver) Resolve(messageBase, defaultExt, partName, hint string) string {
	component, ext := partName, defaultExt
	if hint != "" {
		component, ext = SplitName(hint)
	}

	exists := r.Exists
	if exists == nil {
		exists = PathExists
	}

	for n := -1; ; n++ {
		disambiguator := ""
		if n >= 0 {
			disambiguator = strconv.Itoa(n)
		}
		name := Sanitize(messageBase + "_" + component + disambiguator + ext)
		if !exists(filepath.Join(r.Dir, name)) {
			return name
		}
	}
}

// SplitName drops any directory part of name, accepting both slash styles,
// and splits what remains into base name and extension.
func SplitName(name string) (base, ext string) {
	if idx := strings.LastIndexAny(name, `/\`); idx >= 0 {
		name = name[idx+1:]
	}
	dot := strings.LastIndex(name, ".")
	if dot <= 0 {
		return name, ""
	}
	return name[:dot], name[dot:]
}

// Sanitize removes reserved and control characters from name.
func Sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || strings.ContainsRune(reserved, r) {
			return -1
		}
		return r
	}, name)
}

// PathExists reports whether anything occupies path. Only a successful Lstat
// counts; other errors leave the name to the exclusive create, which reports
// them.
func PathExists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
