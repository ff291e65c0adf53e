package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ergochat/readline"
	"github.com/pkg/errors"

	"github.com/softwarefaith/appflowy/internal/session"
	"github.com/softwarefaith/appflowy/pkg/ot"
	"github.com/softwarefaith/appflowy/pkg/revision"
)

var ErrNoDocument = errors.New("no document open")
var ErrUsage = errors.New("usage")

var completer = readline.NewPrefixCompleter(
	readline.PcItem("help"),
	readline.PcItem("open"),
	readline.PcItem("create"),
	readline.PcItem("insert"),
	readline.PcItem("delete"),
	readline.PcItem("format"),
	readline.PcItem("undo"),
	readline.PcItem("show"),
	readline.PcItem("export"),
	readline.PcItem("dup"),
	readline.PcItem("reload"),
	readline.PcItem("drop"),
	readline.PcItem("latest"),
	readline.PcItem("close"),
	readline.PcItem("exit"),
	readline.PcItem("quit"),
)

const help = `open <doc>                      open or join a document
create <doc> [text]             create a document
insert <pos> <text>             insert text
delete <pos> <n>                delete n characters
format <pos> <n> <key>[=<val>]  set (or with no value, remove) an attribute
undo                            revert the last local edit
show                            print the content, delta and sync state
export                          print the document as JSON
dup                             copy the document and open the copy
reload                          rebuild the document from the local log
drop                            delete the document
latest                          print the last visited document
close                           close the document
exit                            quit`

func filterInput(r rune) (rune, bool) {
	switch r {
	// block CtrlZ feature
	case readline.CharCtrlZ:
		return r, false
	}
	return r, true
}

// undoEntry is the inverse of the last local edit and the content it
// applies to.
type undoEntry struct {
	inverse ot.Delta
	after   revision.Checksum
}

// REPL edits documents of a session manager line by line.
type REPL struct {
	manager *session.Manager
	rl      *readline.Instance
	out     io.Writer

	doc  string
	undo *undoEntry
}

func (repl *REPL) Open() (err error) {
	repl.rl, err = readline.NewEx(&readline.Config{
		Prompt:          "δ ",
		HistoryFile:     ".deltactl_history",
		AutoComplete:    completer,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",

		HistorySearchFold:   true,
		FuncFilterInputRune: filterInput,
	})
	if err != nil {
		return
	}
	repl.rl.CaptureExitSignal()
	return
}

func (repl *REPL) Close() error {
	if repl.rl != nil {
		_ = repl.rl.Close()
		repl.rl = nil
	}
	return nil
}

// Step reads and executes one line.
func (repl *REPL) Step(ctx context.Context) error {
	line, err := repl.rl.Readline()
	if err == readline.ErrInterrupt && len(line) != 0 {
		return nil
	}
	if err != nil {
		return err
	}
	err = repl.Execute(ctx, line)
	if repl.doc == "" {
		repl.rl.SetPrompt("δ ")
	} else {
		repl.rl.SetPrompt(repl.doc + " δ ")
	}
	return err
}

// Execute runs one command line.
func (repl *REPL) Execute(ctx context.Context, line string) error {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}
	cmd, rest := line, ""
	if ws := strings.IndexAny(line, " \t"); ws > 0 {
		cmd, rest = line[:ws], strings.TrimSpace(line[ws:])
	}

	switch cmd {
	case "help":
		fmt.Fprintln(repl.out, help)
		return nil
	case "open":
		return repl.CommandOpen(ctx, rest)
	case "create":
		return repl.CommandCreate(ctx, rest)
	case "insert":
		return repl.CommandInsert(rest)
	case "delete":
		return repl.CommandDelete(rest)
	case "format":
		return repl.CommandFormat(rest)
	case "undo":
		return repl.CommandUndo()
	case "show":
		return repl.CommandShow()
	case "export":
		return repl.CommandExport()
	case "dup":
		return repl.CommandDup(ctx)
	case "reload":
		return repl.CommandReload(ctx)
	case "drop":
		return repl.CommandDrop(ctx)
	case "latest":
		return repl.CommandLatest(ctx)
	case "close":
		return repl.CommandClose(ctx)
	case "exit", "quit":
		if repl.doc != "" {
			if err := repl.CommandClose(ctx); err != nil {
				fmt.Fprintln(repl.out, err)
			}
		}
		return io.EOF
	}
	return errors.Errorf("command unknown: %s", cmd)
}

func (repl *REPL) current() (string, error) {
	if repl.doc == "" {
		return "", ErrNoDocument
	}
	return repl.doc, nil
}

func (repl *REPL) switchTo(ctx context.Context, docID string) error {
	if repl.doc != "" && repl.doc != docID {
		if err := repl.CommandClose(ctx); err != nil {
			fmt.Fprintln(repl.out, err)
		}
	}
	repl.doc, repl.undo = docID, nil
	return nil
}

func (repl *REPL) CommandOpen(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.Wrap(ErrUsage, "open <doc>")
	}
	if _, err := repl.manager.Join(ctx, arg); err != nil {
		return err
	}
	return repl.switchTo(ctx, arg)
}

func (repl *REPL) CommandCreate(ctx context.Context, arg string) error {
	docID, text := arg, ""
	if ws := strings.IndexAny(arg, " \t"); ws > 0 {
		docID, text = arg[:ws], strings.TrimSpace(arg[ws:])
	}
	if docID == "" {
		return errors.Wrap(ErrUsage, "create <doc> [text]")
	}
	if _, err := repl.manager.Create(ctx, docID, ot.FromText(text)); err != nil {
		return err
	}
	return repl.switchTo(ctx, docID)
}

// edit applies d locally and remembers how to undo it.
func (repl *REPL) edit(d ot.Delta) error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	before, err := repl.manager.Snapshot(docID)
	if err != nil {
		return err
	}
	inverse, err := d.Invert(before)
	if err != nil {
		return err
	}
	if _, err := repl.manager.ApplyLocal(docID, d); err != nil {
		return err
	}
	after, err := repl.manager.Snapshot(docID)
	if err != nil {
		return err
	}
	repl.undo = &undoEntry{inverse: inverse, after: revision.ChecksumOf(after)}
	return nil
}

func (repl *REPL) CommandInsert(arg string) error {
	parts := strings.SplitN(arg, " ", 2)
	if len(parts) != 2 {
		return errors.Wrap(ErrUsage, "insert <pos> <text>")
	}
	pos, err := strconv.Atoi(parts[0])
	if err != nil {
		return errors.Wrap(err, "position")
	}
	return repl.edit(ot.NewBuilder().Retain(pos, nil).Insert(parts[1], nil).Build())
}

func (repl *REPL) CommandDelete(arg string) error {
	nums, err := ints(arg, 2)
	if err != nil {
		return errors.Wrap(ErrUsage, "delete <pos> <n>")
	}
	return repl.edit(ot.NewBuilder().Retain(nums[0], nil).Delete(nums[1]).Build())
}

func (repl *REPL) CommandFormat(arg string) error {
	fields := strings.Fields(arg)
	if len(fields) != 3 {
		return errors.Wrap(ErrUsage, "format <pos> <n> <key>[=<val>]")
	}
	nums, err := ints(strings.Join(fields[:2], " "), 2)
	if err != nil {
		return err
	}
	value := ot.Unset
	key := fields[2]
	if eq := strings.IndexByte(key, '='); eq >= 0 {
		key, value = key[:eq], ot.String(key[eq+1:])
	}
	attrs := ot.NewAttributes(ot.Attr{Key: key, Value: value})
	return repl.edit(ot.NewBuilder().Retain(nums[0], nil).Retain(nums[1], attrs).Build())
}

func (repl *REPL) CommandUndo() error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	if repl.undo == nil {
		return errors.New("nothing to undo")
	}
	content, err := repl.manager.Snapshot(docID)
	if err != nil {
		return err
	}
	if revision.ChecksumOf(content) != repl.undo.after {
		repl.undo = nil
		return errors.New("document changed since the last edit")
	}
	_, err = repl.manager.ApplyLocal(docID, repl.undo.inverse)
	repl.undo = nil
	return err
}

func (repl *REPL) CommandShow() error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	s, err := repl.manager.Session(docID)
	if err != nil {
		return err
	}
	content, err := s.Snapshot()
	if err != nil {
		return err
	}
	committed, _ := s.Committed()
	fmt.Fprintf(repl.out, "%s\n%s\nrev %d, %d pending\n", content.Text(), content, committed, len(s.Pending()))
	return nil
}

func (repl *REPL) CommandExport() error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	data, err := repl.manager.Export(docID)
	if err != nil {
		return err
	}
	fmt.Fprintln(repl.out, string(data))
	return nil
}

func (repl *REPL) CommandDup(ctx context.Context) error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	newID, err := repl.manager.Duplicate(ctx, docID)
	if err != nil {
		return err
	}
	if err := repl.switchTo(ctx, newID); err != nil {
		return err
	}
	fmt.Fprintln(repl.out, newID)
	return nil
}

func (repl *REPL) CommandReload(ctx context.Context) error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	_, discarded, err := repl.manager.Reload(ctx, docID)
	if len(discarded) > 0 {
		fmt.Fprintf(repl.out, "discarded %d unsynced revision(s)\n", len(discarded))
	}
	repl.undo = nil
	return err
}

func (repl *REPL) CommandDrop(ctx context.Context) error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	repl.doc, repl.undo = "", nil
	return repl.manager.Delete(ctx, docID)
}

func (repl *REPL) CommandLatest(ctx context.Context) error {
	docID, err := repl.manager.LatestVisited(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(repl.out, docID)
	return nil
}

func (repl *REPL) CommandClose(ctx context.Context) error {
	docID, err := repl.current()
	if err != nil {
		return err
	}
	repl.doc, repl.undo = "", nil
	err = repl.manager.Close(ctx, docID)
	var unsynced *session.UnsyncedEditsError
	if errors.As(err, &unsynced) {
		return errors.Errorf("%s closed, %d edit(s) were never synced", docID, len(unsynced.Revisions))
	}
	return err
}

func ints(arg string, n int) ([]int, error) {
	fields := strings.Fields(arg)
	if len(fields) != n {
		return nil, errors.Errorf("want %d numbers, got %q", n, arg)
	}
	out := make([]int, n)
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil || v < 0 {
			return nil, errors.Errorf("bad number %q", f)
		}
		out[i] = v
	}
	return out, nil
}
