package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/models"
)

const maxQueryRows = 10000

// dbDrivers maps the database type to the registered sql driver.
var dbDrivers = map[string]string{
	"postgres": "pgx",
	"mysql":    "mysql",
	"sqlite":   "sqlite3",
}

// resolveDriver derives the database type from the connection string
// scheme. An explicit db_type param overrides the derivation. Returns
// the type, the sql driver name, and the driver-ready DSN.
func resolveDriver(params interfaces.SourceParams) (string, string, string, error) {
	dsn := params.String("connection_string", "")
	dbType := params.String("db_type", "")

	if dbType == "" {
		switch {
		case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
			dbType = "postgres"
		case strings.HasPrefix(dsn, "mysql://"):
			dbType = "mysql"
		case strings.HasPrefix(dsn, "sqlite://"), strings.HasPrefix(dsn, "sqlite3://"):
			dbType = "sqlite"
		case !strings.Contains(dsn, "://"):
			// A bare path is a sqlite file.
			dbType = "sqlite"
		default:
			return "", "", "", models.ValidationError(
				"cannot derive database type from connection string %s", common.MaskDSN(dsn))
		}
	}

	driver, ok := dbDrivers[dbType]
	if !ok {
		supported := make([]string, 0, len(dbDrivers))
		for name := range dbDrivers {
			supported = append(supported, name)
		}
		sort.Strings(supported)
		return "", "", "", models.ValidationError("unsupported db_type %q (supported: %s)",
			dbType, strings.Join(supported, ", "))
	}

	connStr := dsn
	switch dbType {
	case "mysql":
		if strings.HasPrefix(dsn, "mysql://") {
			converted, err := mysqlDSN(dsn)
			if err != nil {
				return "", "", "", models.ValidationError("invalid mysql connection string %s", common.MaskDSN(dsn))
			}
			connStr = converted
		}
	case "sqlite":
		connStr = strings.TrimPrefix(connStr, "sqlite3://")
		connStr = strings.TrimPrefix(connStr, "sqlite://")
	}

	return dbType, driver, connStr, nil
}

// mysqlDSN converts a mysql:// URL into the driver's native
// user:pass@tcp(host)/db form.
func mysqlDSN(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	var cred string
	if u.User != nil {
		cred = u.User.Username()
		if password, ok := u.User.Password(); ok {
			cred += ":" + password
		}
		cred += "@"
	}

	dsn := fmt.Sprintf("%stcp(%s)/%s", cred, u.Host, strings.TrimPrefix(u.Path, "/"))
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}
	return dsn, nil
}

// forbiddenSQLKeywords are rejected anywhere in the query. Ingestion
// queries are read-only.
var forbiddenSQLKeywords = []string{
	"DROP", "DELETE", "INSERT", "UPDATE", "TRUNCATE", "ALTER", "CREATE", "GRANT",
}

// contentColumnFallbacks is tried in order when no content_column is
// configured.
var contentColumnFallbacks = []string{"body", "text", "content", "description", "message"}

var sqlWordPattern = regexp.MustCompile(`[A-Za-z_]+`)

// DatabaseQueryAdapter ingests rows from external SQL databases as
// documents, one document per row.
type DatabaseQueryAdapter struct {
	queryTimeout time.Duration
	logger       arbor.ILogger

	// openFunc is swappable for tests.
	openFunc func(driver, dsn string) (*sqlx.DB, error)
}

// Compile-time interface assertion
var _ interfaces.SourceAdapter = (*DatabaseQueryAdapter)(nil)

func NewDatabaseQueryAdapter(queryTimeout time.Duration, logger arbor.ILogger) *DatabaseQueryAdapter {
	if queryTimeout <= 0 {
		queryTimeout = 60 * time.Second
	}
	return &DatabaseQueryAdapter{
		queryTimeout: queryTimeout,
		logger:       logger,
		openFunc:     sqlx.Open,
	}
}

func (a *DatabaseQueryAdapter) Type() models.SourceType {
	return models.SourceDatabaseQuery
}

func (a *DatabaseQueryAdapter) SupportedFormats() []string {
	drivers := make([]string, 0, len(dbDrivers))
	for name := range dbDrivers {
		drivers = append(drivers, name)
	}
	sort.Strings(drivers)
	return drivers
}

// Validate checks connection parameters and rejects any query that is
// not a plain read.
func (a *DatabaseQueryAdapter) Validate(params interfaces.SourceParams) error {
	if params.String("connection_string", "") == "" {
		return models.ValidationError("connection_string is required").WithSource(string(a.Type()))
	}
	if _, _, _, err := resolveDriver(params); err != nil {
		return err
	}

	query := strings.TrimSpace(params.String("query", ""))
	if query == "" {
		return models.ValidationError("query is required").WithSource(string(a.Type()))
	}
	if err := validateReadOnlyQuery(query); err != nil {
		return err
	}

	return nil
}

// validateReadOnlyQuery allows SELECT and WITH statements only, and
// rejects mutation keywords anywhere in the text.
func validateReadOnlyQuery(query string) error {
	upper := strings.ToUpper(query)
	if !strings.HasPrefix(upper, "SELECT") && !strings.HasPrefix(upper, "WITH") {
		return models.ValidationError("only SELECT queries are allowed")
	}

	words := make(map[string]bool)
	for _, word := range sqlWordPattern.FindAllString(upper, -1) {
		words[word] = true
	}
	for _, keyword := range forbiddenSQLKeywords {
		if words[keyword] {
			return models.ValidationError("query contains forbidden keyword %s", keyword)
		}
	}

	return nil
}

// HealthCheck is parameter-dependent; connectivity is checked per fetch.
func (a *DatabaseQueryAdapter) HealthCheck(ctx context.Context) error {
	return nil
}

// Fetch runs the query and converts each row into a document.
func (a *DatabaseQueryAdapter) Fetch(ctx context.Context, params interfaces.SourceParams) ([]*models.RawDocument, error) {
	if err := a.Validate(params); err != nil {
		return nil, err
	}

	dbType, driver, connStr, err := resolveDriver(params)
	if err != nil {
		return nil, err
	}
	dsn := params.String("connection_string", "")
	query := strings.TrimSpace(params.String("query", ""))

	maxRows := params.Int("max_rows", maxQueryRows)
	if maxRows > maxQueryRows {
		maxRows = maxQueryRows
	}

	db, err := a.openFunc(driver, connStr)
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeValidation, "invalid connection string", err).
			WithSource(string(a.Type()))
	}
	defer db.Close()

	queryCtx, cancel := context.WithTimeout(ctx, a.queryTimeout)
	defer cancel()

	if err := db.PingContext(queryCtx); err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("failed to connect to %s database", dbType), err).WithSource(string(a.Type()))
	}

	conn, err := db.Connx(queryCtx)
	if err != nil {
		return nil, models.WrapPipelineError(models.ErrCodeTransient,
			fmt.Sprintf("failed to acquire %s connection", dbType), err).WithSource(string(a.Type()))
	}
	defer conn.Close()

	a.applyStatementTimeout(queryCtx, conn, dbType)

	query, args, err := bindQueryParams(driver, query, params)
	if err != nil {
		return nil, err
	}

	rows, err := conn.QueryxContext(queryCtx, query, args...)
	if err != nil {
		return nil, classifyQueryError(queryCtx, dbType, err)
	}
	defer rows.Close()

	contentColumn := params.String("content_column", "")
	titleColumn := params.String("title_column", "")
	idColumn := params.String("id_column", "")

	var documents []*models.RawDocument
	for rows.Next() {
		if len(documents) >= maxRows {
			break
		}

		row := map[string]interface{}{}
		if err := rows.MapScan(row); err != nil {
			return nil, models.WrapPipelineError(models.ErrCodeInternal, "failed to scan row", err).
				WithSource(string(a.Type()))
		}

		doc := a.rowToDocument(row, dbType, dsn, contentColumn, titleColumn, idColumn)
		if doc != nil {
			documents = append(documents, doc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, classifyQueryError(queryCtx, dbType, err)
	}

	a.logger.Info().
		Str("db_type", dbType).
		Str("dsn", common.MaskDSN(dsn)).
		Int("documents", len(documents)).
		Msg("Fetched database rows")

	return documents, nil
}

// applyStatementTimeout caps query execution server-side where the
// engine supports it. SQLite relies on context cancellation alone.
func (a *DatabaseQueryAdapter) applyStatementTimeout(ctx context.Context, conn *sqlx.Conn, dbType string) {
	var stmt string
	switch dbType {
	case "postgres":
		stmt = fmt.Sprintf("SET statement_timeout = %d", a.queryTimeout.Milliseconds())
	case "mysql":
		stmt = fmt.Sprintf("SET SESSION max_execution_time = %d", a.queryTimeout.Milliseconds())
	default:
		return
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		a.logger.Warn().Err(err).Str("db_type", dbType).Msg("Failed to set statement timeout")
	}
}

// bindQueryParams binds the caller's named parameters through the
// driver's placeholder syntax. No string interpolation ever touches
// the query text.
func bindQueryParams(driver, query string, params interfaces.SourceParams) (string, []interface{}, error) {
	bindParams, _ := params["query_params"].(map[string]interface{})
	if len(bindParams) == 0 {
		bindParams, _ = params["params"].(map[string]interface{})
	}
	if len(bindParams) == 0 {
		return query, nil, nil
	}

	bound, args, err := sqlx.Named(query, bindParams)
	if err != nil {
		return "", nil, models.WrapPipelineError(models.ErrCodeValidation,
			"failed to bind query parameters", err)
	}
	return sqlx.Rebind(sqlx.BindType(driver), bound), args, nil
}

func classifyQueryError(ctx context.Context, dbType string, err error) error {
	if ctx.Err() != nil {
		return models.WrapPipelineError(models.ErrCodeCancelled, "database query timed out", err)
	}
	return models.WrapPipelineError(models.ErrCodeValidation,
		fmt.Sprintf("%s query failed", dbType), err)
}

// rowToDocument picks the content column, falling back through common
// column names, then rendering the whole row as JSON. The document ID
// comes from the id column when present, else a deterministic hash of
// the row. Remaining columns travel in the metadata.
func (a *DatabaseQueryAdapter) rowToDocument(row map[string]interface{}, dbType, dsn, contentColumn, titleColumn, idColumn string) *models.RawDocument {
	if len(row) == 0 {
		return nil
	}

	normalized := make(map[string]interface{}, len(row))
	for column, v := range row {
		normalized[column] = normalizeDBValue(v)
	}

	content := ""
	usedColumn := ""
	if s := columnText(normalized, contentColumn); s != "" {
		content, usedColumn = s, contentColumn
	}
	if content == "" {
		for _, fallback := range contentColumnFallbacks {
			if s := columnText(normalized, fallback); s != "" {
				content, usedColumn = s, fallback
				break
			}
		}
	}
	if content == "" {
		rendered, err := json.Marshal(normalized)
		if err != nil {
			return nil
		}
		content = string(rendered)
	}

	id := ""
	if idColumn != "" {
		if v, ok := normalized[idColumn]; ok && v != nil {
			id = fmt.Sprintf("%v", v)
		}
	}
	if id == "" {
		id = rowHash(normalized)
	}

	metadata := map[string]interface{}{
		"db_type":   dbType,
		"dsn":       common.MaskDSN(dsn),
		"db_row_id": id,
	}
	for column, v := range normalized {
		switch column {
		case usedColumn, "db_type", "dsn", "db_row_id":
		case titleColumn:
			metadata["title"] = v
		default:
			metadata[column] = v
		}
	}

	return &models.RawDocument{
		ID:          id,
		Source:      models.SourceDatabaseQuery,
		ContentType: "text/plain",
		Content:     content,
		FetchedAt:   time.Now().UTC(),
		Metadata:    metadata,
	}
}

// rowHash produces a stable identifier from the row's sorted columns.
func rowHash(row map[string]interface{}) string {
	columns := make([]string, 0, len(row))
	for column := range row {
		columns = append(columns, column)
	}
	sort.Strings(columns)

	h := fnv.New64a()
	for _, column := range columns {
		fmt.Fprintf(h, "%s=%v;", column, row[column])
	}
	return fmt.Sprintf("row-%016x", h.Sum64())
}

// columnText returns the string content of a column, or "".
func columnText(row map[string]interface{}, column string) string {
	if column == "" {
		return ""
	}
	v, ok := row[column]
	if !ok || v == nil {
		return ""
	}
	switch s := normalizeDBValue(v).(type) {
	case string:
		return s
	default:
		return ""
	}
}

// normalizeDBValue converts driver byte slices to strings.
func normalizeDBValue(v interface{}) interface{} {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}
