package mirror

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"xtream-bridge/work/logger"
	"xtream-bridge/work/metrics"
	"xtream-bridge/work/types"
	"xtream-bridge/work/xtream"
)

const schema = `
CREATE TABLE IF NOT EXISTS vod_streams (
	service_id          TEXT NOT NULL,
	stream_id           INTEGER NOT NULL,
	name                TEXT NOT NULL,
	category_id         TEXT,
	container_extension TEXT,
	direct_source       TEXT,
	stream_icon         TEXT,
	rating              TEXT,
	added               TEXT,
	updated_at          TEXT NOT NULL,
	PRIMARY KEY (service_id, stream_id)
);
CREATE TABLE IF NOT EXISTS series (
	service_id   TEXT NOT NULL,
	series_id    INTEGER NOT NULL,
	name         TEXT NOT NULL,
	category_id  TEXT,
	cover        TEXT,
	plot         TEXT,
	genre        TEXT,
	release_date TEXT,
	rating       TEXT,
	updated_at   TEXT NOT NULL,
	PRIMARY KEY (service_id, series_id)
);
CREATE TABLE IF NOT EXISTS episodes (
	service_id          TEXT NOT NULL,
	episode_id          TEXT NOT NULL,
	series_id           INTEGER NOT NULL,
	season              INTEGER,
	episode_num         INTEGER,
	title               TEXT,
	container_extension TEXT,
	direct_source       TEXT,
	updated_at          TEXT NOT NULL,
	PRIMARY KEY (service_id, episode_id)
);
CREATE INDEX IF NOT EXISTS idx_episodes_series ON episodes(service_id, series_id);
CREATE INDEX IF NOT EXISTS idx_vod_name ON vod_streams(name);
CREATE INDEX IF NOT EXISTS idx_series_name ON series(name);
`

// Store is the local relational mirror of upstream panel catalogs,
// for offline querying. Rows are upserted by their natural key
// (service_id plus the panel's stream/series id).
type Store struct {
	db *sql.DB
}

// Open opens or creates the mirror database and applies the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening mirror db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying mirror schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertVodStreams inserts or refreshes movie rows for one service.
func (s *Store) UpsertVodStreams(ctx context.Context, serviceID string, streams []types.VodStream) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO vod_streams
			(service_id, stream_id, name, category_id, container_extension,
			 direct_source, stream_icon, rating, added, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, stream_id) DO UPDATE SET
			name = excluded.name,
			category_id = excluded.category_id,
			container_extension = excluded.container_extension,
			direct_source = excluded.direct_source,
			stream_icon = excluded.stream_icon,
			rating = excluded.rating,
			added = excluded.added,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, v := range streams {
		if _, err := stmt.ExecContext(ctx, serviceID, v.StreamID, v.Name, v.CategoryID,
			v.ContainerExtension, v.DirectSource, v.StreamIcon, v.Rating, v.Added, now); err != nil {
			return fmt.Errorf("upserting stream %d: %w", v.StreamID, err)
		}
	}
	return tx.Commit()
}

// UpsertSeries inserts or refreshes series rows for one service.
func (s *Store) UpsertSeries(ctx context.Context, serviceID string, items []types.SeriesItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO series
			(service_id, series_id, name, category_id, cover, plot, genre,
			 release_date, rating, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, series_id) DO UPDATE SET
			name = excluded.name,
			category_id = excluded.category_id,
			cover = excluded.cover,
			plot = excluded.plot,
			genre = excluded.genre,
			release_date = excluded.release_date,
			rating = excluded.rating,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, serviceID, it.SeriesID, it.Name, it.CategoryID,
			it.Cover, it.Plot, it.Genre, it.ReleaseDate, it.Rating, now); err != nil {
			return fmt.Errorf("upserting series %d: %w", it.SeriesID, err)
		}
	}
	return tx.Commit()
}

// UpsertEpisodes inserts or refreshes the episode rows of one series.
func (s *Store) UpsertEpisodes(ctx context.Context, serviceID string, seriesID int, eps []types.Episode) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO episodes
			(service_id, episode_id, series_id, season, episode_num, title,
			 container_extension, direct_source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (service_id, episode_id) DO UPDATE SET
			series_id = excluded.series_id,
			season = excluded.season,
			episode_num = excluded.episode_num,
			title = excluded.title,
			container_extension = excluded.container_extension,
			direct_source = excluded.direct_source,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := time.Now().UTC().Format(time.RFC3339)
	for _, ep := range eps {
		if _, err := stmt.ExecContext(ctx, serviceID, ep.ID, seriesID, ep.Season,
			ep.EpisodeNum, ep.Title, ep.ContainerExtension, ep.DirectSource, now); err != nil {
			return fmt.Errorf("upserting episode %s: %w", ep.ID, err)
		}
	}
	return tx.Commit()
}

// ListEpisodes returns the mirrored episodes of a series, ordered by
// season and episode number.
func (s *Store) ListEpisodes(ctx context.Context, serviceID string, seriesID int) ([]types.Episode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT episode_id, season, episode_num, title, container_extension, direct_source
		FROM episodes
		WHERE service_id = ? AND series_id = ?
		ORDER BY season, episode_num`, serviceID, seriesID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.Episode
	for rows.Next() {
		var ep types.Episode
		if err := rows.Scan(&ep.ID, &ep.Season, &ep.EpisodeNum, &ep.Title,
			&ep.ContainerExtension, &ep.DirectSource); err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, rows.Err()
}

// GetVodStream returns one mirrored movie row, or nil when absent.
func (s *Store) GetVodStream(ctx context.Context, serviceID string, streamID int) (*types.VodStream, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT stream_id, name, category_id, container_extension,
		       direct_source, stream_icon, rating, added
		FROM vod_streams WHERE service_id = ? AND stream_id = ?`, serviceID, streamID)

	var v types.VodStream
	err := row.Scan(&v.StreamID, &v.Name, &v.CategoryID, &v.ContainerExtension,
		&v.DirectSource, &v.StreamIcon, &v.Rating, &v.Added)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// SearchVodStreams finds mirrored movies by substring name match.
func (s *Store) SearchVodStreams(ctx context.Context, serviceID, query string, limit int) ([]types.VodStream, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT stream_id, name, category_id, container_extension,
		       direct_source, stream_icon, rating, added
		FROM vod_streams
		WHERE service_id = ? AND name LIKE '%' || ? || '%'
		ORDER BY name LIMIT ?`, serviceID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.VodStream
	for rows.Next() {
		var v types.VodStream
		if err := rows.Scan(&v.StreamID, &v.Name, &v.CategoryID, &v.ContainerExtension,
			&v.DirectSource, &v.StreamIcon, &v.Rating, &v.Added); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// SearchSeries finds mirrored series by substring name match.
func (s *Store) SearchSeries(ctx context.Context, serviceID, query string, limit int) ([]types.SeriesItem, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT series_id, name, category_id, cover, plot, genre, release_date, rating
		FROM series
		WHERE service_id = ? AND name LIKE '%' || ? || '%'
		ORDER BY name LIMIT ?`, serviceID, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.SeriesItem
	for rows.Next() {
		var it types.SeriesItem
		if err := rows.Scan(&it.SeriesID, &it.Name, &it.CategoryID, &it.Cover,
			&it.Plot, &it.Genre, &it.ReleaseDate, &it.Rating); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Counts returns the mirrored row counts per table for one service.
func (s *Store) Counts(ctx context.Context, serviceID string) (vod, series int, err error) {
	if err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vod_streams WHERE service_id = ?`, serviceID).Scan(&vod); err != nil {
		return
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM series WHERE service_id = ?`, serviceID).Scan(&series)
	return
}

// Sync pulls the full movie and series catalogs from a panel client
// and upserts them.
func (s *Store) Sync(ctx context.Context, c *xtream.Client) error {
	streams, err := c.GetVodStreams(ctx, "")
	if err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching vod streams for sync: %w", err)
	}
	if err := s.UpsertVodStreams(ctx, c.Service.ID, streams); err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return err
	}

	items, err := c.GetSeries(ctx, "")
	if err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching series for sync: %w", err)
	}
	if err := s.UpsertSeries(ctx, c.Service.ID, items); err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return err
	}

	metrics.MirrorSyncs.WithLabelValues("ok").Inc()
	logger.Info("mirror: synced %d movies, %d series for %s", len(streams), len(items), c.Service.ID)
	return nil
}

// SyncSeriesEpisodes pulls one series' episode tree and upserts it.
// Episodes are synced on demand rather than during Sync; a full
// catalog would need one panel request per series.
func (s *Store) SyncSeriesEpisodes(ctx context.Context, c *xtream.Client, seriesID int) error {
	info, err := c.GetSeriesInfo(ctx, strconv.Itoa(seriesID))
	if err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return fmt.Errorf("fetching series %d info: %w", seriesID, err)
	}
	var eps []types.Episode
	for _, season := range info.Episodes {
		eps = append(eps, season...)
	}
	if err := s.UpsertEpisodes(ctx, c.Service.ID, seriesID, eps); err != nil {
		metrics.MirrorSyncs.WithLabelValues("error").Inc()
		return err
	}
	metrics.MirrorSyncs.WithLabelValues("ok").Inc()
	logger.Info("mirror: synced %d episodes of series %d for %s", len(eps), seriesID, c.Service.ID)
	return nil
}
