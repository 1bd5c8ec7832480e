package teng

import "fmt"

// TemplateRef identifies the template to render: either a path or an
// inline source string — never both (§6.4). Skin is carried along but
// not read by the engine: the template file is located by Path alone.
type TemplateRef struct {
	Path       string
	Skin       string
	Inline     string
	ContentType string
	Encoding    string
}

func (t TemplateRef) isInline() bool { return t.Path == "" }

// GeneratePageArgs bundles one generatePage call's inputs (§6.4).
type GeneratePageArgs struct {
	Template       TemplateRef
	DictionaryPath string
	Language       string
	ConfigPath     string
}

// Engine is the top-level entry point embedding applications talk to:
// it owns the template cache and wires the Filesystem/UDF
// collaborators into the compiler and interpreter.
type Engine struct {
	cache *TemplateCache
	fs    Filesystem
	udf   *UDFRegistry
	root  string
}

func NewEngine(fs Filesystem, root string, cacheCapacity int) (*Engine, error) {
	cache, err := NewTemplateCache(cacheCapacity)
	if err != nil {
		return nil, err
	}
	return &Engine{cache: cache, fs: fs, udf: NewUDFRegistry(), root: root}, nil
}

// GeneratePage compiles (or reuses a cached compile of) the requested
// template and executes it against data, writing formatted output to
// writer. Returns the maximum diagnostic level observed across
// compilation and execution (§6.4).
func (e *Engine) GeneratePage(args GeneratePageArgs, data *Fragment, writer Writer) (Level, *Log) {
	log := NewLog()
	writer.SetErrorLog(log)

	cfg, cfgLog := e.loadConfig(args.ConfigPath)
	log.Append(cfgLog)

	dict, dictLog := e.loadDictionary(args.DictionaryPath, args.ConfigPath, cfg)
	log.Append(dictLog)

	prog, compileLog := e.loadProgram(args.Template, dict, cfg)
	log.Append(compileLog)
	if prog == nil {
		return log.MaxLevel(), log
	}

	vm := NewVM(prog, data, cfg, dict, e.udf, writer, log)
	if _, err := vm.Run(0, len(prog.Instructions)); err != nil {
		log.Errorf(Pos{}, "runtime error: %v", err)
	}
	return log.MaxLevel(), log
}

func (e *Engine) loadConfig(path string) (*Configuration, *Log) {
	log := NewLog()
	if path == "" {
		return NewConfiguration(), log
	}

	key := normalizedFileKey(e.root, path)
	if cfg, _, _, ok := e.cache.FindConfig(key); ok {
		return cfg, log
	}

	cfg := NewConfiguration()
	if e.fs == nil {
		log.Errorf(Pos{}, "cannot load config %q: no filesystem configured", path)
		return cfg, log
	}
	bytes, err := e.fs.Read(path)
	if err != nil {
		log.Errorf(Pos{}, "cannot read config %q: %v", path, err)
		return cfg, log
	}
	parseDictionarySource(string(bytes), path, cfg.Dictionary, cfg, log, e.includeLoader())
	e.cache.AddConfig(key, cfg, 0)
	return cfg, log
}

func (e *Engine) loadDictionary(path, configPath string, cfg *Configuration) (*Dictionary, *Log) {
	log := NewLog()
	if path == "" {
		return NewDictionary(), log
	}

	key := normalizedFileKey(e.root, path)
	configKey := "inline"
	if configPath != "" {
		configKey = normalizedFileKey(e.root, configPath)
	}
	if dict, _, _, ok := e.cache.FindDict(configKey, key); ok {
		return dict, log
	}

	dict := NewDictionary()
	if e.fs == nil {
		log.Errorf(Pos{}, "cannot load dictionary %q: no filesystem configured", path)
		return dict, log
	}
	bytes, err := e.fs.Read(path)
	if err != nil {
		log.Errorf(Pos{}, "cannot read dictionary %q: %v", path, err)
		return dict, log
	}
	parseDictionarySource(string(bytes), path, dict, cfg, log, e.includeLoader())
	e.cache.AddDict(configKey, key, dict, 0)
	return dict, log
}

func (e *Engine) includeLoader() func(path string) (string, error) {
	if e.fs == nil {
		return nil
	}
	return func(path string) (string, error) {
		b, err := e.fs.Read(path)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
}

func (e *Engine) loadProgram(ref TemplateRef, dict *Dictionary, cfg *Configuration) (*Program, *Log) {
	log := NewLog()

	if ref.isInline() {
		prog, compileLog := CompileTemplate("<inline>", ref.Inline, cfg, dict, e.fs)
		log.Append(compileLog)
		return prog, log
	}

	templateKey := normalizedFileKey(e.root, ref.Path)
	cached, _, _, hit := e.cache.FindProgram(templateKey, "", "")
	if hit && !(cfg.WatchFiles() && cached.IsChanged()) {
		return cached, log
	}

	if e.fs == nil {
		log.Errorf(Pos{}, "cannot load template %q: no filesystem configured", ref.Path)
		return nil, log
	}
	bytes, err := e.fs.Read(ref.Path)
	if err != nil {
		if hit {
			log.Warningf(Pos{}, "cannot re-read template %q, using cached program: %v", ref.Path, err)
			return cached, log
		}
		log.Errorf(Pos{}, "cannot read template %q: %v", ref.Path, err)
		return nil, log
	}
	prog, compileLog := CompileTemplate(ref.Path, string(bytes), cfg, dict, e.fs)
	log.Append(compileLog)
	e.cache.AddProgram(templateKey, "", "", prog, 0)
	return prog, log
}

// DictionaryLookup implements §6.4's standalone lookup helper, used
// by callers that want a translated string without running a whole
// template (e.g. building an email subject line).
func (e *Engine) DictionaryLookup(configPath, dictPath, language, key string) (string, bool) {
	cfg, _ := e.loadConfig(configPath)
	dict, _ := e.loadDictionary(dictPath, configPath, cfg)
	if v, ok := dict.Lookup(key); ok {
		return v, true
	}
	if v, ok := cfg.Lookup(key); ok {
		return v, true
	}
	return "", false
}

// ListSupportedContentTypes re-exports the content-type registry for
// callers that want to validate a requested content type up front.
func (e *Engine) ListSupportedContentTypes() []struct{ Name, Comment string } {
	return ListSupportedContentTypes()
}

func (e *Engine) String() string {
	return fmt.Sprintf("teng.Engine{root=%s}", e.root)
}
