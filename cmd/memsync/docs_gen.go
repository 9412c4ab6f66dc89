package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/memsync/pkg/config"
	"github.com/dotsetgreg/memsync/pkg/providers"
)

const (
	cliDocsDir = "reference/cli"
	manDocsDir = "reference/man"
)

// Man page headers carry a date; a fixed one keeps --check stable.
var manDate = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	docsRoot := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}

	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate reference docs from command, config and provider source",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docsRoot.AddCommand(gen)
	return docsRoot
}

// generateDocumentation renders every reference page and either writes the
// set under outputDir or, with checkOnly, reports the first difference.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	pages, err := renderReferencePages(rootFactory())
	if err != nil {
		return err
	}
	if checkOnly {
		return checkPages(pages, outputDir)
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		if err := os.RemoveAll(filepath.Join(outputDir, filepath.FromSlash(dir))); err != nil {
			return fmt.Errorf("clear %s: %w", dir, err)
		}
	}
	for _, rel := range sortedKeys(pages) {
		dst := filepath.Join(outputDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, pages[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	return nil
}

// renderReferencePages returns the generated docs keyed by slash-separated
// path relative to the docs root.
func renderReferencePages(root *cobra.Command) (map[string][]byte, error) {
	disableAutoGenTag(root)

	scratch, err := os.MkdirTemp("", "memsync-docs-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	cliDir := filepath.Join(scratch, filepath.FromSlash(cliDocsDir))
	manDir := filepath.Join(scratch, filepath.FromSlash(manDocsDir))
	for _, dir := range []string{cliDir, manDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	title := func(filename string) string {
		name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "# " + strings.ReplaceAll(name, "_", " ") + "\n\n"
	}
	if err := cobraDoc.GenMarkdownTreeCustom(root, cliDir, title, func(name string) string { return name }); err != nil {
		return nil, fmt.Errorf("generate cli markdown docs: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "MEMSYNC", Section: "1", Source: "memsync", Date: &manDate}
	if err := cobraDoc.GenManTree(root, header, manDir); err != nil {
		return nil, fmt.Errorf("generate man pages: %w", err)
	}

	pages, err := readTree(scratch)
	if err != nil {
		return nil, err
	}
	pages["reference/config.md"] = []byte(configReference())
	pages["reference/providers.md"] = []byte(providersReference())
	return pages, nil
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		if child.Name() != "docs" {
			disableAutoGenTag(child)
		}
	}
}

func readTree(root string) (map[string][]byte, error) {
	out := map[string][]byte{}
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		out[filepath.ToSlash(rel)] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read generated docs: %w", err)
	}
	return out, nil
}

// checkPages fails on any missing, changed or leftover page under the
// generated directories.
func checkPages(pages map[string][]byte, outputDir string) error {
	for _, rel := range sortedKeys(pages) {
		current, err := os.ReadFile(filepath.Join(outputDir, filepath.FromSlash(rel)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", rel)
		}
		if !bytes.Equal(current, pages[rel]) {
			return fmt.Errorf("docs out of date: %s changed; run `memsync docs generate`", rel)
		}
	}
	for _, dir := range []string{cliDocsDir, manDocsDir} {
		existing, err := readTree(filepath.Join(outputDir, filepath.FromSlash(dir)))
		if err != nil {
			return fmt.Errorf("docs out of date: missing %s", dir)
		}
		for rel := range existing {
			if _, ok := pages[dir+"/"+rel]; !ok {
				return fmt.Errorf("docs out of date: stale %s/%s", dir, rel)
			}
		}
	}
	return nil
}

func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type settingRow struct {
	Key     string
	Type    string
	Env     string
	Default string
}

func configReference() string {
	rows := settingRows(reflect.ValueOf(config.DefaultConfig()).Elem(), "")
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeSettingsTable(&b, rows)
	return b.String()
}

var providerNotes = map[string]string{
	providers.ProviderLocal:  "Offline char-gram or hash embeddings with pattern-based fact extraction. No credentials.",
	providers.ProviderOpenAI: "OpenAI-compatible embeddings and chat-completion fact extraction. Requires `provider.api_key`.",
}

func providersReference() string {
	rows := settingRows(reflect.ValueOf(config.DefaultConfig().Provider), "provider")
	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Generated from the provider factory registry and `config.ProviderConfig`.\n\n")
	b.WriteString("| Kind | Notes |\n| --- | --- |\n")
	for _, name := range providers.SupportedProviders() {
		fmt.Fprintf(&b, "| `%s` | %s |\n", escapePipes(name), escapePipes(valueOr(providerNotes[name], "-")))
	}
	b.WriteString("\n## Settings\n\n")
	writeSettingsTable(&b, rows)
	return b.String()
}

// settingRows walks a config struct value by json tag, recursing into
// nested sections, and returns one row per leaf sorted by key.
func settingRows(v reflect.Value, prefix string) []settingRow {
	var rows []settingRow
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		key := name
		if prefix != "" {
			key = prefix + "." + name
		}
		if f.Type.Kind() == reflect.Struct {
			rows = append(rows, settingRows(v.Field(i), key)...)
			continue
		}
		def, _ := json.Marshal(v.Field(i).Interface())
		rows = append(rows, settingRow{
			Key:     key,
			Type:    typeLabel(f.Type),
			Env:     f.Tag.Get("env"),
			Default: string(def),
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Key < rows[j].Key })
	return rows
}

func writeSettingsTable(b *strings.Builder, rows []settingRow) {
	b.WriteString("| Key | Type | Env Var | Default |\n| --- | --- | --- | --- |\n")
	for _, r := range rows {
		fmt.Fprintf(b, "| `%s` | `%s` | `%s` | `%s` |\n",
			escapePipes(r.Key), escapePipes(r.Type), escapePipes(valueOr(r.Env, "-")), escapePipes(valueOr(r.Default, "-")))
	}
}

func typeLabel(t reflect.Type) string {
	switch k := t.Kind(); {
	case k == reflect.Slice:
		return "array<" + typeLabel(t.Elem()) + ">"
	case k == reflect.Map:
		return "map<" + typeLabel(t.Key()) + "," + typeLabel(t.Elem()) + ">"
	case k >= reflect.Int && k <= reflect.Uint64:
		return "int"
	case k == reflect.Float32 || k == reflect.Float64:
		return "float"
	default:
		return k.String()
	}
}

func escapePipes(v string) string {
	return strings.ReplaceAll(v, "|", "\\|")
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
