package patch

import (
	"fmt"
	"strconv"
	"strings"

	"appforge/internal/overlay"
)

// FileDiff is one file's worth of a unified diff.
type FileDiff struct {
	OldPath string // "" when the before side is /dev/null
	NewPath string // "" when the after side is /dev/null
	Hunks   []Hunk
}

// Hunk is one @@-delimited change region.
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []string // each prefixed with ' ', '-' or '+'
}

// ApplyError reports a hunk that failed to apply cleanly. Any ApplyError fails
// the whole request; partial applies are never kept.
type ApplyError struct {
	Path   string
	Hunk   int
	Reason string
}

func (e *ApplyError) Error() string {
	if e.Hunk > 0 {
		return fmt.Sprintf("patch %s: hunk %d: %s", e.Path, e.Hunk, e.Reason)
	}
	return fmt.Sprintf("patch %s: %s", e.Path, e.Reason)
}

// Apply parses diffText and applies it against the overlay, then returns the
// full recursive listing of the resulting tree. Downstream consumers (commit,
// deploy) operate on the complete file set, not just the changed files.
func Apply(diffText string, ov *overlay.Overlay) ([]overlay.File, error) {
	diffs, err := Parse(diffText)
	if err != nil {
		return nil, err
	}
	if len(diffs) == 0 {
		return nil, &ApplyError{Path: "-", Reason: "diff contains no file changes"}
	}
	for _, fd := range diffs {
		if err := applyFile(fd, ov); err != nil {
			return nil, err
		}
	}
	return ov.ListAll()
}

func applyFile(fd FileDiff, ov *overlay.Overlay) error {
	switch {
	case fd.OldPath == "" && fd.NewPath == "":
		return &ApplyError{Path: "-", Reason: "diff has /dev/null on both sides"}
	case fd.OldPath == "":
		// File creation: hunks may only add lines.
		var lines []string
		for hi, h := range fd.Hunks {
			for _, l := range h.Lines {
				switch l[0] {
				case '+':
					lines = append(lines, l[1:])
				default:
					return &ApplyError{Path: fd.NewPath, Hunk: hi + 1, Reason: "new file hunk contains non-addition lines"}
				}
			}
		}
		return ov.Write(fd.NewPath, []byte(joinLines(lines)))
	case fd.NewPath == "":
		if _, ok, err := ov.Read(fd.OldPath); err != nil {
			return err
		} else if !ok {
			return &ApplyError{Path: fd.OldPath, Reason: "cannot delete missing file"}
		}
		return ov.Remove(fd.OldPath)
	}

	current, ok, err := ov.Read(fd.OldPath)
	if err != nil {
		return err
	}
	if !ok {
		return &ApplyError{Path: fd.OldPath, Reason: "file not present in overlay"}
	}
	lines := splitLines(string(current))
	patched, err := applyHunks(fd, lines)
	if err != nil {
		return err
	}
	if fd.NewPath != fd.OldPath {
		if err := ov.Remove(fd.OldPath); err != nil {
			return err
		}
	}
	if len(patched) == 0 {
		// An empty after side is a deletion.
		return ov.Remove(fd.NewPath)
	}
	return ov.Write(fd.NewPath, []byte(joinLines(patched)))
}

func applyHunks(fd FileDiff, lines []string) ([]string, error) {
	var out []string
	pos := 0 // next unconsumed index into lines
	for hi, h := range fd.Hunks {
		start := h.OldStart - 1
		if h.OldLines == 0 {
			// Pure-insertion hunks address the line after which to insert.
			start = h.OldStart
		}
		if start < pos || start > len(lines) {
			return nil, &ApplyError{Path: fd.OldPath, Hunk: hi + 1, Reason: fmt.Sprintf("hunk start %d out of range", h.OldStart)}
		}
		out = append(out, lines[pos:start]...)
		pos = start
		for _, l := range h.Lines {
			tag, text := l[0], l[1:]
			switch tag {
			case ' ':
				if pos >= len(lines) || lines[pos] != text {
					return nil, &ApplyError{Path: fd.OldPath, Hunk: hi + 1, Reason: contextMismatch(lines, pos, text)}
				}
				out = append(out, text)
				pos++
			case '-':
				if pos >= len(lines) || lines[pos] != text {
					return nil, &ApplyError{Path: fd.OldPath, Hunk: hi + 1, Reason: contextMismatch(lines, pos, text)}
				}
				pos++
			case '+':
				out = append(out, text)
			default:
				return nil, &ApplyError{Path: fd.OldPath, Hunk: hi + 1, Reason: fmt.Sprintf("unknown line tag %q", string(tag))}
			}
		}
	}
	out = append(out, lines[pos:]...)
	return out, nil
}

func contextMismatch(lines []string, pos int, want string) string {
	if pos >= len(lines) {
		return fmt.Sprintf("expected %q past end of file", want)
	}
	return fmt.Sprintf("expected %q, found %q at line %d", want, lines[pos], pos+1)
}

// Parse decodes a unified diff into per-file changes. Header lines it does not
// understand (diff --git, index, mode) are skipped.
func Parse(diffText string) ([]FileDiff, error) {
	lines := splitLines(diffText)
	var diffs []FileDiff
	i := 0
	for i < len(lines) {
		line := lines[i]
		if !strings.HasPrefix(line, "--- ") {
			i++
			continue
		}
		if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+++ ") {
			return nil, &ApplyError{Path: "-", Reason: fmt.Sprintf("missing +++ header after line %d", i+1)}
		}
		fd := FileDiff{
			OldPath: parseHeaderPath(lines[i]),
			NewPath: parseHeaderPath(lines[i+1]),
		}
		i += 2
		for i < len(lines) && strings.HasPrefix(lines[i], "@@") {
			h, ok := parseHunkHeader(lines[i])
			if !ok {
				return nil, &ApplyError{Path: headerPathOf(fd), Reason: fmt.Sprintf("malformed hunk header %q", lines[i])}
			}
			i++
			// Consume exactly the line counts the header declares. Anything
			// past them belongs to the next hunk or file; a following file's
			// "--- " header also starts with '-' and must not be absorbed.
			oldLeft, newLeft := h.OldLines, h.NewLines
			for i < len(lines) && (oldLeft > 0 || newLeft > 0) {
				l := lines[i]
				if l == `\ No newline at end of file` {
					i++
					continue
				}
				if len(l) == 0 {
					// A blank diff line is context for an empty source line.
					l = " "
				}
				switch l[0] {
				case ' ':
					oldLeft--
					newLeft--
				case '-':
					oldLeft--
				case '+':
					newLeft--
				default:
					return nil, &ApplyError{Path: headerPathOf(fd), Reason: fmt.Sprintf("unexpected line %q inside hunk", l)}
				}
				h.Lines = append(h.Lines, l)
				i++
			}
			if oldLeft > 0 || newLeft > 0 {
				return nil, &ApplyError{Path: headerPathOf(fd), Reason: fmt.Sprintf("truncated hunk: %d old / %d new lines missing", oldLeft, newLeft)}
			}
			fd.Hunks = append(fd.Hunks, h)
		}
		if len(fd.Hunks) == 0 {
			return nil, &ApplyError{Path: headerPathOf(fd), Reason: "file header without hunks"}
		}
		diffs = append(diffs, fd)
	}
	return diffs, nil
}

func headerPathOf(fd FileDiff) string {
	if fd.NewPath != "" {
		return fd.NewPath
	}
	return fd.OldPath
}

func parseHeaderPath(line string) string {
	p := strings.TrimSpace(line[4:])
	if idx := strings.IndexByte(p, '\t'); idx >= 0 {
		p = p[:idx]
	}
	if p == "/dev/null" {
		return ""
	}
	p = strings.TrimPrefix(p, "a/")
	p = strings.TrimPrefix(p, "b/")
	return p
}

func parseHunkHeader(line string) (Hunk, bool) {
	// @@ -oldStart[,oldLines] +newStart[,newLines] @@
	rest := strings.TrimPrefix(line, "@@")
	end := strings.Index(rest, "@@")
	if end < 0 {
		return Hunk{}, false
	}
	fields := strings.Fields(rest[:end])
	if len(fields) != 2 || !strings.HasPrefix(fields[0], "-") || !strings.HasPrefix(fields[1], "+") {
		return Hunk{}, false
	}
	oldStart, oldLines, ok := parseRange(fields[0][1:])
	if !ok {
		return Hunk{}, false
	}
	newStart, newLines, ok := parseRange(fields[1][1:])
	if !ok {
		return Hunk{}, false
	}
	return Hunk{OldStart: oldStart, OldLines: oldLines, NewStart: newStart, NewLines: newLines}, true
}

func parseRange(s string) (start, count int, ok bool) {
	count = 1
	if idx := strings.IndexByte(s, ','); idx >= 0 {
		n, err := strconv.Atoi(s[idx+1:])
		if err != nil {
			return 0, 0, false
		}
		count = n
		s = s[:idx]
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	return n, count, true
}

// splitLines handles LF and CRLF and does not produce a ghost trailing line.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.TrimSuffix(content, "\n")
	return strings.Split(content, "\n")
}

func joinLines(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}
