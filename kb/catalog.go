package kb

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/BaSui01/queryflow/types"
)

// databaseDoc is the on-disk YAML shape of one database description file.
type databaseDoc struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Tables      []struct {
		Name        string       `yaml:"name"`
		Description string       `yaml:"description"`
		Columns     []ColumnInfo `yaml:"columns"`
	} `yaml:"tables"`
}

// StaticCatalog is a Retriever backed by YAML catalog files, one per
// database. It is immutable after load and therefore safe to share
// between concurrent sessions without locking.
type StaticCatalog struct {
	databases []string
	tables    map[string][]TableInfo              // database -> tables
	schemas   map[string]map[string]*TableSchema  // database -> table -> schema
	logger    *zap.Logger
}

// LoadCatalog reads every *.yaml / *.yml file under dir into a catalog.
func LoadCatalog(dir string, logger *zap.Logger) (*StaticCatalog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "kb_catalog"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, types.NewError(types.ErrCatalogLoad, "read catalog directory").WithCause(err)
	}

	c := &StaticCatalog{
		tables:  make(map[string][]TableInfo),
		schemas: make(map[string]map[string]*TableSchema),
		logger:  logger,
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, types.NewError(types.ErrCatalogLoad, "read catalog file "+entry.Name()).WithCause(err)
		}
		var doc databaseDoc
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, types.NewError(types.ErrCatalogLoad, "parse catalog file "+entry.Name()).WithCause(err)
		}
		if doc.Name == "" {
			logger.Warn("catalog file has no database name, skipping",
				zap.String("file", entry.Name()))
			continue
		}
		c.addDatabase(doc)
	}

	sort.Strings(c.databases)
	logger.Info("catalog loaded",
		zap.Int("databases", len(c.databases)),
		zap.String("dir", dir))
	return c, nil
}

// NewStaticCatalog builds a catalog directly from schemas, used by tests
// and embedded setups.
func NewStaticCatalog(schemas []*TableSchema) *StaticCatalog {
	c := &StaticCatalog{
		tables:  make(map[string][]TableInfo),
		schemas: make(map[string]map[string]*TableSchema),
		logger:  zap.NewNop(),
	}
	seen := make(map[string]bool)
	for _, s := range schemas {
		if !seen[s.Database] {
			seen[s.Database] = true
			c.databases = append(c.databases, s.Database)
		}
		c.tables[s.Database] = append(c.tables[s.Database], TableInfo{
			Database:    s.Database,
			Table:       s.Table,
			Description: s.Description,
		})
		if c.schemas[s.Database] == nil {
			c.schemas[s.Database] = make(map[string]*TableSchema)
		}
		c.schemas[s.Database][s.Table] = s
	}
	sort.Strings(c.databases)
	return c
}

func (c *StaticCatalog) addDatabase(doc databaseDoc) {
	c.databases = append(c.databases, doc.Name)
	c.schemas[doc.Name] = make(map[string]*TableSchema, len(doc.Tables))
	for _, t := range doc.Tables {
		c.tables[doc.Name] = append(c.tables[doc.Name], TableInfo{
			Database:    doc.Name,
			Table:       t.Name,
			Description: t.Description,
		})
		c.schemas[doc.Name][t.Name] = &TableSchema{
			Database:    doc.Name,
			Table:       t.Name,
			Description: t.Description,
			Columns:     t.Columns,
		}
	}
}

func (c *StaticCatalog) ListDatabases(ctx context.Context) ([]string, error) {
	return append([]string(nil), c.databases...), nil
}

func (c *StaticCatalog) ListTables(ctx context.Context, database string) ([]TableInfo, error) {
	tables, ok := c.tables[database]
	if !ok {
		return nil, fmt.Errorf("unknown database: %s", database)
	}
	return append([]TableInfo(nil), tables...), nil
}

func (c *StaticCatalog) DatabaseExists(ctx context.Context, name string) (bool, error) {
	_, ok := c.tables[name]
	return ok, nil
}

func (c *StaticCatalog) TableExists(ctx context.Context, database, table string) (bool, error) {
	byTable, ok := c.schemas[database]
	if !ok {
		return false, nil
	}
	_, ok = byTable[table]
	return ok, nil
}

// SearchTables scores tables by token overlap between the query and the
// table name, description, and column names. A production deployment
// replaces the whole catalog with an embedding-backed retriever; the
// interface is the contract, not this scoring.
func (c *StaticCatalog) SearchTables(ctx context.Context, query string, databases []string, limit int) ([]TableInfo, error) {
	if limit <= 0 {
		limit = 10
	}
	scope := databases
	if len(scope) == 0 {
		scope = c.databases
	}
	terms := tokenize(query)

	type scored struct {
		info  TableInfo
		score int
	}
	var candidates []scored
	for _, db := range scope {
		for _, info := range c.tables[db] {
			score := overlap(terms, tokenize(info.Table+" "+info.Description))
			if schema := c.schemas[db][info.Table]; schema != nil {
				for _, col := range schema.Columns {
					score += overlap(terms, tokenize(col.Name))
				}
			}
			if score > 0 {
				candidates = append(candidates, scored{info: info, score: score})
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	result := make([]TableInfo, 0, len(candidates))
	for _, cand := range candidates {
		result = append(result, cand.info)
	}
	return result, nil
}

func (c *StaticCatalog) TableSchema(ctx context.Context, database, table string) (*TableSchema, error) {
	byTable, ok := c.schemas[database]
	if !ok {
		return nil, fmt.Errorf("unknown database: %s", database)
	}
	schema, ok := byTable[table]
	if !ok {
		return nil, fmt.Errorf("unknown table: %s.%s", database, table)
	}
	return schema, nil
}

func tokenize(s string) map[string]bool {
	tokens := make(map[string]bool)
	for _, f := range strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if len(f) > 2 {
			tokens[f] = true
		}
	}
	return tokens
}

func overlap(a, b map[string]bool) int {
	n := 0
	for t := range a {
		if b[t] {
			n++
		}
	}
	return n
}

var _ Retriever = (*StaticCatalog)(nil)
