// Command tengc is a thin CLI front end for the teng templating
// engine: it compiles and renders one template against a flat set of
// key=value variables, writing the result to stdout.
package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tengolang/teng"
)

// varFlags collects repeated -var name=value flags into an ordered list.
type varFlags []string

func (v *varFlags) String() string { return strings.Join(*v, ",") }
func (v *varFlags) Set(s string) error {
	*v = append(*v, s)
	return nil
}

func main() {
	var (
		templatePath = flag.String("template", "", "Path to the template file")
		dictPath     = flag.String("dict", "", "Path to the dictionary file")
		configPath   = flag.String("config", "", "Path to the configuration file")
		cacheSize    = flag.Int("cache", 64, "Template cache capacity (per cache)")
		vars         varFlags
	)
	flag.Var(&vars, "var", "name=value variable, repeatable")
	flag.Parse()

	if *templatePath == "" {
		log.Fatal("Template not informed")
	}

	root := filepath.Dir(*templatePath)
	engine, err := teng.NewEngine(osFilesystem{}, root, *cacheSize)
	if err != nil {
		log.Fatalf("Can't start engine: %s", err.Error())
	}

	data := teng.NewFragment()
	for _, kv := range vars {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			log.Fatalf("Bad -var %q, expected name=value", kv)
		}
		data.SetString(name, value)
	}

	writer := newStreamWriter(os.Stdout)
	level, diagLog := engine.GeneratePage(teng.GeneratePageArgs{
		Template:       teng.TemplateRef{Path: *templatePath},
		DictionaryPath: *dictPath,
		ConfigPath:     *configPath,
	}, data, writer)

	for _, d := range diagLog.Entries() {
		fmt.Fprintln(os.Stderr, d.String())
	}
	if level >= teng.Error {
		os.Exit(1)
	}
}

// osFilesystem is the default Filesystem collaborator: plain relative
// reads off the local disk, the way the engine's caller is expected to
// supply one (§6.1 leaves this external).
type osFilesystem struct{}

func (osFilesystem) Read(path string) ([]byte, error) { return os.ReadFile(path) }

func (osFilesystem) Stat(path string) (size, mtime int64, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, 0, err
	}
	return info.Size(), info.ModTime().Unix(), nil
}

// streamWriter adapts an io.Writer to teng.Writer for CLI output.
type streamWriter struct {
	out io.Writer
	log *teng.Log
}

func newStreamWriter(out io.Writer) *streamWriter { return &streamWriter{out: out} }

func (w *streamWriter) Write(p []byte) (int, error) { return w.out.Write(p) }
func (w *streamWriter) Flush() error                { return nil }
func (w *streamWriter) SetErrorLog(l *teng.Log)     { w.log = l }
