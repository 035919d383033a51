package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/mudler/xlog"
	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

const (
	packageName      = "sandbox"
	defaultTimeout   = 10 * time.Second
	defaultMaxOutput = 64 * 1024
)

// allowedPackages are the standard library packages programs may import.
// Packages with host access are left out.
var allowedPackages = map[string]bool{
	"bufio":          true,
	"bytes":          true,
	"container/heap": true,
	"container/list": true,
	"encoding/csv":   true,
	"encoding/json":  true,
	"errors":         true,
	"fmt":            true,
	"maps":           true,
	"math":           true,
	"math/big":       true,
	"math/bits":      true,
	"math/rand":      true,
	"regexp":         true,
	"slices":         true,
	"sort":           true,
	"strconv":        true,
	"strings":        true,
	"text/tabwriter": true,
	"time":           true,
	"unicode":        true,
	"unicode/utf8":   true,
}

var (
	ErrNoCode = errors.New("no code to execute")
	ErrNoMain = errors.New("program has no main function")

	packageClause = regexp.MustCompile(`(?m)^[ \t]*package[ \t]+[A-Za-z_][A-Za-z0-9_]*[ \t]*;?[ \t]*$`)
	mainFunc      = regexp.MustCompile(`(?m)^func[ \t]+main[ \t]*\([ \t]*\)`)
	codeFence     = regexp.MustCompile("(?s)```[A-Za-z0-9_+-]*[ \t]*\n(.*?)```")
)

type Config struct {
	Timeout   time.Duration
	MaxOutput int
}

// Executor runs untrusted Go programs in a yaegi interpreter restricted to allowedPackages.
// Each run gets a fresh interpreter.
type Executor struct {
	timeout   time.Duration
	maxOutput int
}

func New(cfg Config) *Executor {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxOutput := cfg.MaxOutput
	if maxOutput <= 0 {
		maxOutput = defaultMaxOutput
	}
	return &Executor{timeout: timeout, maxOutput: maxOutput}
}

// Run evaluates a Go program and returns what it wrote to stdout and stderr.
func (e *Executor) Run(ctx context.Context, code string) (string, error) {
	source, err := prepare(code)
	if err != nil {
		return "", err
	}

	out := &limitedBuffer{max: e.maxOutput}
	i := interp.New(interp.Options{Stdout: out, Stderr: out})
	if err := i.Use(allowedSymbols()); err != nil {
		return "", fmt.Errorf("load stdlib symbols: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	started := time.Now()
	if _, err := i.EvalWithContext(runCtx, source); err != nil {
		return out.String(), fmt.Errorf("compile program: %w", err)
	}
	if _, err := i.EvalWithContext(runCtx, packageName+".Main()"); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return out.String(), fmt.Errorf("program exceeded %s: %w", e.timeout, err)
		}
		return out.String(), fmt.Errorf("run program: %w", err)
	}
	xlog.Debug("sandbox run finished", "duration", time.Since(started), "output_bytes", out.Len())
	return out.String(), nil
}

// allowedSymbols filters the interpreter's stdlib exports, keyed "importpath/name", to allowedPackages.
func allowedSymbols() interp.Exports {
	exports := interp.Exports{}
	for key, symbols := range stdlib.Symbols {
		slash := strings.LastIndex(key, "/")
		if slash < 0 || !allowedPackages[key[:slash]] {
			continue
		}
		exports[key] = symbols
	}
	return exports
}

// ExtractCode returns the first fenced code block in text, or the whole text when there is none.
func ExtractCode(text string) string {
	if m := codeFence.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(text)
}

func prepare(code string) (string, error) {
	source := ExtractCode(code)
	if source == "" {
		return "", ErrNoCode
	}
	if !mainFunc.MatchString(source) {
		return "", ErrNoMain
	}
	source = mainFunc.ReplaceAllString(source, "func Main()")
	if loc := packageClause.FindStringIndex(source); loc != nil {
		source = source[:loc[0]] + "package " + packageName + source[loc[1]:]
	} else {
		source = "package " + packageName + "\n\n" + source
	}
	return source, nil
}

type limitedBuffer struct {
	mu        sync.Mutex
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - b.buf.Len()
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.truncated {
		return b.buf.String() + "\n...(output truncated)"
	}
	return b.buf.String()
}

func (b *limitedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}
