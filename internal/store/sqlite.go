package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

func NewSQLiteStore(dataSourceName string, log *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer at a time; avoids "database is locked" under concurrent appends.
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, log: log.Named("sqlite")}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS passages (
        section_number INTEGER NOT NULL,
        item_number INTEGER NOT NULL,
        primary_text TEXT NOT NULL DEFAULT '',
        translated_text TEXT NOT NULL DEFAULT '',
        transliteration TEXT NOT NULL DEFAULT '',
        PRIMARY KEY (section_number, item_number)
    );

    CREATE TABLE IF NOT EXISTS sessions (
        user_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        status TEXT NOT NULL CHECK (status IN ('active', 'completed')),
        language TEXT NOT NULL DEFAULT '',
        referenced_sections TEXT NOT NULL DEFAULT '[]',
        created_at DATETIME NOT NULL,
        last_activity DATETIME NOT NULL,
        PRIMARY KEY (user_id, session_id)
    );

    CREATE TABLE IF NOT EXISTS turns (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        session_id TEXT NOT NULL,
        seq INTEGER NOT NULL,
        role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
        content TEXT NOT NULL,
        cited_json TEXT NOT NULL DEFAULT '[]',
        actions_json TEXT NOT NULL DEFAULT '[]',
        timestamp DATETIME NOT NULL,
        UNIQUE (user_id, session_id, seq),
        FOREIGN KEY (user_id, session_id) REFERENCES sessions (user_id, session_id)
    );

    CREATE INDEX IF NOT EXISTS idx_sessions_last_activity ON sessions (last_activity DESC);
    `
	_, err := s.db.Exec(schema)
	return err
}

// Passage methods

// PassageRecord is a passage as stored locally, including the fields only
// the offline fallback matches on.
type PassageRecord struct {
	Passage
	Transliteration string
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) UpsertPassage(ctx context.Context, rec PassageRecord) error {
	return upsertPassage(ctx, s.db, rec)
}

func upsertPassage(ctx context.Context, db execer, rec PassageRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR REPLACE INTO passages (section_number, item_number, primary_text, translated_text, transliteration)
         VALUES (?, ?, ?, ?, ?)`,
		rec.SectionNumber, rec.ItemNumber, rec.PrimaryText, rec.TranslatedText, rec.Transliteration)
	if err != nil {
		return fmt.Errorf("failed to upsert passage %d:%d: %w", rec.SectionNumber, rec.ItemNumber, err)
	}
	return nil
}

// FetchItem returns nil, nil when the passage does not exist.
func (s *SQLiteStore) FetchItem(ctx context.Context, section, item int) (*Passage, error) {
	var p Passage
	err := s.db.QueryRowContext(ctx,
		"SELECT section_number, item_number, primary_text, translated_text FROM passages WHERE section_number = ? AND item_number = ?",
		section, item).Scan(&p.SectionNumber, &p.ItemNumber, &p.PrimaryText, &p.TranslatedText)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query passage: %w", err)
	}
	return &p, nil
}

func (s *SQLiteStore) FetchSection(ctx context.Context, section int) ([]Passage, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT section_number, item_number, primary_text, translated_text FROM passages WHERE section_number = ? ORDER BY item_number ASC",
		section)
	if err != nil {
		return nil, fmt.Errorf("failed to query section: %w", err)
	}
	defer rows.Close()

	passages := []Passage{}
	for rows.Next() {
		var p Passage
		if err := rows.Scan(&p.SectionNumber, &p.ItemNumber, &p.PrimaryText, &p.TranslatedText); err != nil {
			return nil, fmt.Errorf("failed to scan passage row: %w", err)
		}
		passages = append(passages, p)
	}
	return passages, rows.Err()
}

// SearchText does a case-insensitive substring match of any keyword against
// the translation and transliteration columns. Matching happens in Go because
// SQLite's LIKE only folds ASCII case.
func (s *SQLiteStore) SearchText(ctx context.Context, keywords []string, limit int) ([]Passage, error) {
	needles := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" {
			needles = append(needles, k)
		}
	}
	if len(needles) == 0 || limit <= 0 {
		return []Passage{}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT section_number, item_number, primary_text, translated_text, transliteration FROM passages ORDER BY section_number, item_number")
	if err != nil {
		return nil, fmt.Errorf("failed to query passages: %w", err)
	}
	defer rows.Close()

	matches := []Passage{}
	for rows.Next() && len(matches) < limit {
		var rec PassageRecord
		if err := rows.Scan(&rec.SectionNumber, &rec.ItemNumber, &rec.PrimaryText, &rec.TranslatedText, &rec.Transliteration); err != nil {
			return nil, fmt.Errorf("failed to scan passage row: %w", err)
		}
		haystack := strings.ToLower(rec.TranslatedText + "\n" + rec.Transliteration)
		for _, n := range needles {
			if strings.Contains(haystack, n) {
				matches = append(matches, rec.Passage)
				break
			}
		}
	}
	return matches, rows.Err()
}

func (s *SQLiteStore) ClearPassages(ctx context.Context) error {
	return clearPassages(ctx, s.db)
}

func clearPassages(ctx context.Context, db execer) error {
	if _, err := db.ExecContext(ctx, "DELETE FROM passages"); err != nil {
		return fmt.Errorf("failed to delete passages: %w", err)
	}
	return nil
}

// IngestPassagesFromFile reads a Markdown table with the columns
// | section | item | arabic | translation | transliteration | and replaces
// the local passage table with its rows in one transaction, so a failure
// leaves the previous contents in place.
func (s *SQLiteStore) IngestPassagesFromFile(ctx context.Context, filePath string) (int, error) {
	contentBytes, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read passage file %s: %w", filePath, err)
	}

	var records []PassageRecord
	for i, line := range strings.Split(string(contentBytes), "\n") {
		trimmedLine := strings.TrimSpace(line)
		if trimmedLine == "" {
			continue
		}
		if !strings.HasPrefix(trimmedLine, "|") || !strings.HasSuffix(trimmedLine, "|") {
			s.log.Debug("skipping line not matching table row format", zap.Int("line", i+1))
			continue
		}
		cells := strings.Split(strings.Trim(trimmedLine, "|"), "|")
		for j := range cells {
			cells[j] = strings.TrimSpace(cells[j])
		}
		if isSeparatorRow(cells) {
			continue
		}
		if len(cells) < 4 {
			s.log.Warn("skipping malformed table row", zap.Int("line", i+1))
			continue
		}

		section, errSection := strconv.Atoi(cells[0])
		item, errItem := strconv.Atoi(cells[1])
		if errSection != nil || errItem != nil {
			// header row or junk
			continue
		}
		rec := PassageRecord{Passage: Passage{
			SectionNumber:  section,
			ItemNumber:     item,
			PrimaryText:    cells[2],
			TranslatedText: cells[3],
		}}
		if len(cells) > 4 {
			rec.Transliteration = cells[4]
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		s.log.Warn("no passages found in file", zap.String("file", filePath))
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // no-op after commit

	if err := clearPassages(ctx, tx); err != nil {
		return 0, err
	}
	for _, rec := range records {
		if err := upsertPassage(ctx, tx, rec); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit passages: %w", err)
	}
	s.log.Info("ingested passages", zap.Int("count", len(records)), zap.String("file", filePath))
	return len(records), nil
}

// isSeparatorRow matches the |---|:---:| line under a Markdown table header.
func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if !strings.Contains(c, "-") || strings.Trim(c, ":-") != "" {
			return false
		}
	}
	return len(cells) > 0
}

// Conversation methods

func (s *SQLiteStore) GetSession(ctx context.Context, key SessionKey) (*Session, error) {
	sess := Session{UserID: key.UserID, SessionID: key.SessionID}
	var sectionsJSON string
	err := s.db.QueryRowContext(ctx,
		"SELECT status, language, referenced_sections, created_at, last_activity FROM sessions WHERE user_id = ? AND session_id = ?",
		key.UserID, key.SessionID).Scan(&sess.Status, &sess.Language, &sectionsJSON, &sess.CreatedAt, &sess.LastActivity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	if err := json.Unmarshal([]byte(sectionsJSON), &sess.ReferencedSections); err != nil {
		s.log.Warn("corrupt referenced_sections, resetting", zap.String("session", key.String()), zap.Error(err))
	}
	if sess.ReferencedSections == nil {
		sess.ReferencedSections = []int{}
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, role, content, cited_json, actions_json, timestamp FROM turns WHERE user_id = ? AND session_id = ? ORDER BY seq ASC",
		key.UserID, key.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query turns: %w", err)
	}
	defer rows.Close()

	sess.Turns = []Turn{}
	for rows.Next() {
		var t Turn
		var citedJSON, actionsJSON string
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &citedJSON, &actionsJSON, &t.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan turn row: %w", err)
		}
		if err := json.Unmarshal([]byte(citedJSON), &t.CitedPassages); err != nil {
			return nil, fmt.Errorf("failed to decode cited passages of turn %s: %w", t.ID, err)
		}
		if err := json.Unmarshal([]byte(actionsJSON), &t.SuggestedActions); err != nil {
			return nil, fmt.Errorf("failed to decode actions of turn %s: %w", t.ID, err)
		}
		sess.Turns = append(sess.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read turns: %w", err)
	}
	return &sess, nil
}

// CreateSession inserts sess together with its initial turns. If another
// writer created the same key first, the stored session is returned instead.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess *Session) (*Session, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	sectionsJSON, err := json.Marshal(nonNilInts(sess.ReferencedSections))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sections: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sessions (user_id, session_id, status, language, referenced_sections, created_at, last_activity)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.UserID, sess.SessionID, sess.Status, sess.Language, string(sectionsJSON), sess.CreatedAt.UTC(), sess.LastActivity.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		_ = tx.Rollback()
		return s.GetSession(ctx, sess.Key())
	}

	for i := range sess.Turns {
		if err := insertTurn(ctx, tx, sess.Key(), i+1, &sess.Turns[i]); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit session: %w", err)
	}
	return sess, nil
}

// AppendTurns appends turns after the existing history in one transaction and
// folds sections into the session's referenced set.
func (s *SQLiteStore) AppendTurns(ctx context.Context, key SessionKey, turns []Turn, sections []int) error {
	if len(turns) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var sectionsJSON string
	err = tx.QueryRowContext(ctx, "SELECT referenced_sections FROM sessions WHERE user_id = ? AND session_id = ?",
		key.UserID, key.SessionID).Scan(&sectionsJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSessionNotFound
		}
		return fmt.Errorf("failed to lock session: %w", err)
	}
	var current []int
	_ = json.Unmarshal([]byte(sectionsJSON), &current)

	var seq int
	if err := tx.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM turns WHERE user_id = ? AND session_id = ?",
		key.UserID, key.SessionID).Scan(&seq); err != nil {
		return fmt.Errorf("failed to read turn sequence: %w", err)
	}
	for i := range turns {
		seq++
		if err := insertTurn(ctx, tx, key, seq, &turns[i]); err != nil {
			return err
		}
	}

	merged, err := json.Marshal(MergeSections(current, sections...))
	if err != nil {
		return fmt.Errorf("failed to marshal sections: %w", err)
	}
	last := turns[len(turns)-1].Timestamp.UTC()
	if _, err := tx.ExecContext(ctx, "UPDATE sessions SET last_activity = ?, referenced_sections = ? WHERE user_id = ? AND session_id = ?",
		last, string(merged), key.UserID, key.SessionID); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit turns: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetStatus(ctx context.Context, key SessionKey, status SessionStatus) error {
	res, err := s.db.ExecContext(ctx, "UPDATE sessions SET status = ? WHERE user_id = ? AND session_id = ?",
		status, key.UserID, key.SessionID)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func insertTurn(ctx context.Context, tx *sql.Tx, key SessionKey, seq int, t *Turn) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now()
	}
	cited, err := json.Marshal(nonNilRefs(t.CitedPassages))
	if err != nil {
		return fmt.Errorf("failed to marshal cited passages: %w", err)
	}
	actions, err := json.Marshal(nonNilActions(t.SuggestedActions))
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO turns (id, user_id, session_id, seq, role, content, cited_json, actions_json, timestamp)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, key.UserID, key.SessionID, seq, t.Role, t.Content, string(cited), string(actions), t.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert turn: %w", err)
	}
	return nil
}

func nonNilInts(a []int) []int {
	if a == nil {
		return []int{}
	}
	return a
}

func nonNilRefs(a []PassageRef) []PassageRef {
	if a == nil {
		return []PassageRef{}
	}
	return a
}

func nonNilActions(a []Action) []Action {
	if a == nil {
		return []Action{}
	}
	return a
}
