package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/okko/fennica/domain"
	"github.com/okko/fennica/util"
	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// DB is the durable store behind the federation boundary: local
// accounts, notes, the remote actor cache, follows, the received
// activity log and the outbound delivery queue.
type DB struct {
	db *sql.DB
}

const (
	//Accounts
	sqlInsertUser           = `INSERT INTO accounts(id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	sqlTombstoneUser        = `UPDATE accounts SET deleted_at = ? WHERE username = ? AND deleted_at IS NULL`
	sqlSelectUserById       = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at, deleted_at FROM accounts WHERE id = ?`
	sqlSelectUserByUsername = `SELECT id, username, display_name, summary, avatar_url, web_public_key, web_private_key, created_at, deleted_at FROM accounts WHERE username = ?`
	sqlCountUsers           = `SELECT COUNT(*) FROM accounts WHERE deleted_at IS NULL`

	//Notes
	sqlInsertNote   = `INSERT INTO notes(id, user_id, message, visibility, object_uri, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectNoteById = `SELECT notes.id, accounts.username, notes.message, notes.visibility, notes.object_uri, notes.created_at, notes.edited_at, notes.deleted_at FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE notes.id = ?`
	sqlSelectPublicNotesByUsername = `SELECT notes.id, accounts.username, notes.message, notes.visibility, notes.object_uri, notes.created_at, notes.edited_at, notes.deleted_at FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE accounts.username = ? AND notes.visibility = 'public' AND notes.deleted_at IS NULL
                                                            ORDER BY notes.created_at DESC, notes.id DESC
                                                            LIMIT ? OFFSET ?`
	sqlCountPublicNotesByUsername = `SELECT COUNT(*) FROM notes
                                                            INNER JOIN accounts ON accounts.id = notes.user_id
                                                            WHERE accounts.username = ? AND notes.visibility = 'public' AND notes.deleted_at IS NULL`
	sqlCountLocalNotes = `SELECT COUNT(*) FROM notes WHERE deleted_at IS NULL`
	sqlTombstoneNote   = `UPDATE notes SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`
)

// New opens (or creates) the sqlite store at path and runs migrations.
func New(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if path == ":memory:" {
		// A pooled :memory: handle would open one database per
		// connection; keep everything on a single connection.
		sqlDB.SetMaxOpenConns(1)
	} else {
		// Configure connection pool for concurrent access
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	var journalMode string
	if err := sqlDB.QueryRow("PRAGMA journal_mode=WAL").Scan(&journalMode); err != nil {
		log.Warn("Failed to enable WAL mode", "err", err)
	} else {
		log.Info("Database journal mode", "mode", journalMode)
	}

	// Connection defaults for the federation workload
	sqlDB.Exec("PRAGMA synchronous = NORMAL")
	sqlDB.Exec("PRAGMA cache_size = -64000")
	sqlDB.Exec("PRAGMA temp_store = MEMORY")
	sqlDB.Exec("PRAGMA busy_timeout = 5000")
	sqlDB.Exec("PRAGMA foreign_keys = ON")

	db := &DB{db: sqlDB}
	if err := db.RunMigrations(); err != nil {
		sqlDB.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.db.Close()
}

// IsUniqueViolation reports whether err is a sqlite unique/primary key
// constraint failure. The inbox dedup relies on this instead of a
// read-then-write so concurrent deliveries of the same activity race safely.
func IsUniqueViolation(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlitelib.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlitelib.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlitelib.SQLITE_CONSTRAINT
	}
	return false
}

func (db *DB) CreateAccount(username string) (*domain.Account, error) {
	keypair := util.GeneratePemKeypair()
	acc := &domain.Account{
		Id:            uuid.New(),
		Username:      username,
		WebPublicKey:  keypair.Public,
		WebPrivateKey: keypair.Private,
		CreatedAt:     time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertUser, acc.Id.String(), acc.Username, acc.DisplayName, acc.Summary, acc.AvatarURL, acc.WebPublicKey, acc.WebPrivateKey, acc.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}

// TombstoneAccount soft-deletes an account. The row remains so the
// actor URI is never reused.
func (db *DB) TombstoneAccount(username string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneUser, time.Now(), username)
		return err
	})
}

func (db *DB) ReadAccByUsername(username string) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectUserByUsername, username))
}

func (db *DB) ReadAccById(id uuid.UUID) (*domain.Account, error) {
	return db.scanAccount(db.db.QueryRow(sqlSelectUserById, id.String()))
}

func (db *DB) scanAccount(row *sql.Row) (*domain.Account, error) {
	var acc domain.Account
	var idStr string
	err := row.Scan(&idStr, &acc.Username, &acc.DisplayName, &acc.Summary, &acc.AvatarURL, &acc.WebPublicKey, &acc.WebPrivateKey, &acc.CreatedAt, &acc.DeletedAt)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

func (db *DB) CountAccounts() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountUsers).Scan(&n)
	return n, err
}

func (db *DB) CreateNote(userId uuid.UUID, message, visibility, objectURI string) (*domain.Note, error) {
	note := &domain.Note{
		Id:         uuid.New(),
		Message:    message,
		Visibility: visibility,
		ObjectURI:  objectURI,
		CreatedAt:  time.Now(),
	}
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertNote, note.Id.String(), userId.String(), note.Message, note.Visibility, note.ObjectURI, note.CreatedAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return note, nil
}

func (db *DB) ReadNoteId(id uuid.UUID) (*domain.Note, error) {
	row := db.db.QueryRow(sqlSelectNoteById, id.String())
	var note domain.Note
	var idStr string
	err := row.Scan(&idStr, &note.CreatedBy, &note.Message, &note.Visibility, &note.ObjectURI, &note.CreatedAt, &note.EditedAt, &note.DeletedAt)
	if err != nil {
		return nil, err
	}
	note.Id, _ = uuid.Parse(idStr)
	return &note, nil
}

func (db *DB) ReadPublicNotesByUsername(username string, limit, offset int) ([]domain.Note, error) {
	rows, err := db.db.Query(sqlSelectPublicNotesByUsername, username, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []domain.Note
	for rows.Next() {
		var note domain.Note
		var idStr string
		if err := rows.Scan(&idStr, &note.CreatedBy, &note.Message, &note.Visibility, &note.ObjectURI, &note.CreatedAt, &note.EditedAt, &note.DeletedAt); err != nil {
			return notes, err
		}
		note.Id, _ = uuid.Parse(idStr)
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (db *DB) CountPublicNotesByUsername(username string) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountPublicNotesByUsername, username).Scan(&n)
	return n, err
}

func (db *DB) CountLocalNotes() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountLocalNotes).Scan(&n)
	return n, err
}

func (db *DB) TombstoneNote(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTombstoneNote, time.Now(), id.String())
		return err
	})
}

// wrapTransaction runs the given function within a transaction,
// retrying while sqlite reports SQLITE_BUSY.
func (db *DB) wrapTransaction(f func(tx *sql.Tx) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		log.Error("Error starting transaction", "err", err)
		return err
	}
	for {
		err = f(tx)
		if err != nil {
			var serr *sqlite.Error
			if errors.As(err, &serr) && serr.Code() == sqlitelib.SQLITE_BUSY {
				continue
			}
			tx.Rollback()
			return err
		}
		err = tx.Commit()
		if err != nil {
			log.Error("Error committing transaction", "err", err)
			return err
		}
		break
	}
	return nil
}

// Remote account cache queries
const (
	sqlInsertRemoteAccount      = `INSERT INTO remote_accounts(id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectRemoteAccountByURI = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts WHERE actor_uri = ?`
	sqlSelectRemoteAccountById  = `SELECT id, username, domain, actor_uri, display_name, summary, inbox_uri, outbox_uri, shared_inbox_uri, public_key_pem, avatar_url, last_fetched_at FROM remote_accounts WHERE id = ?`
	sqlUpdateRemoteAccount      = `UPDATE remote_accounts SET display_name = ?, summary = ?, inbox_uri = ?, outbox_uri = ?, shared_inbox_uri = ?, public_key_pem = ?, avatar_url = ?, last_fetched_at = ? WHERE actor_uri = ?`
	sqlDeleteRemoteAccount      = `DELETE FROM remote_accounts WHERE id = ?`
)

func (db *DB) CreateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertRemoteAccount,
			acc.Id.String(),
			acc.Username,
			acc.Domain,
			acc.ActorURI,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
		)
		return err
	})
}

// UpsertRemoteAccount refreshes the cache entry for an actor,
// last-writer-wins. The stored id is preserved on update.
func (db *DB) UpsertRemoteAccount(acc *domain.RemoteAccount) error {
	existing, err := db.ReadRemoteAccountByURI(acc.ActorURI)
	if err == nil && existing != nil {
		acc.Id = existing.Id
		return db.UpdateRemoteAccount(acc)
	}
	err = db.CreateRemoteAccount(acc)
	if err != nil && IsUniqueViolation(err) {
		// Lost the race against a concurrent insert
		return db.UpdateRemoteAccount(acc)
	}
	return err
}

func (db *DB) UpdateRemoteAccount(acc *domain.RemoteAccount) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateRemoteAccount,
			acc.DisplayName,
			acc.Summary,
			acc.InboxURI,
			acc.OutboxURI,
			acc.SharedInboxURI,
			acc.PublicKeyPem,
			acc.AvatarURL,
			acc.LastFetchedAt,
			acc.ActorURI,
		)
		return err
	})
}

func (db *DB) ReadRemoteAccountByURI(uri string) (*domain.RemoteAccount, error) {
	return db.scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountByURI, uri))
}

func (db *DB) ReadRemoteAccountById(id uuid.UUID) (*domain.RemoteAccount, error) {
	return db.scanRemoteAccount(db.db.QueryRow(sqlSelectRemoteAccountById, id.String()))
}

func (db *DB) scanRemoteAccount(row *sql.Row) (*domain.RemoteAccount, error) {
	var acc domain.RemoteAccount
	var idStr string
	err := row.Scan(
		&idStr,
		&acc.Username,
		&acc.Domain,
		&acc.ActorURI,
		&acc.DisplayName,
		&acc.Summary,
		&acc.InboxURI,
		&acc.OutboxURI,
		&acc.SharedInboxURI,
		&acc.PublicKeyPem,
		&acc.AvatarURL,
		&acc.LastFetchedAt,
	)
	if err != nil {
		return nil, err
	}
	acc.Id, _ = uuid.Parse(idStr)
	return &acc, nil
}

func (db *DB) DeleteRemoteAccount(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteRemoteAccount, id.String())
		return err
	})
}

// Follow queries. Follower/following pages order by (created_at, id)
// so pagination stays stable under concurrent inserts.
const (
	sqlInsertFollow           = `INSERT INTO follows(id, account_id, target_account_id, uri, accepted, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectFollowByURI      = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE uri = ?`
	sqlSelectFollowByAccounts = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows WHERE account_id = ? AND target_account_id = ?`
	sqlDeleteFollowByURI      = `DELETE FROM follows WHERE uri = ?`
	sqlDeleteFollowsByAccount = `DELETE FROM follows WHERE account_id = ? OR target_account_id = ?`
	sqlAcceptFollowByURI      = `UPDATE follows SET accepted = 1 WHERE uri = ?`

	sqlSelectFollowersPage = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows
                                                            WHERE target_account_id = ? AND accepted = 1
                                                            ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	sqlSelectFollowingPage = `SELECT id, account_id, target_account_id, uri, accepted, created_at FROM follows
                                                            WHERE account_id = ? AND accepted = 1
                                                            ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`
	sqlCountFollowers = `SELECT COUNT(*) FROM follows WHERE target_account_id = ? AND accepted = 1`
	sqlCountFollowing = `SELECT COUNT(*) FROM follows WHERE account_id = ? AND accepted = 1`
)

func (db *DB) CreateFollow(follow *domain.Follow) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertFollow,
			follow.Id.String(),
			follow.AccountId.String(),
			follow.TargetAccountId.String(),
			follow.URI,
			follow.Accepted,
			follow.CreatedAt,
		)
		return err
	})
}

func (db *DB) ReadFollowByURI(uri string) (*domain.Follow, error) {
	return db.scanFollow(db.db.QueryRow(sqlSelectFollowByURI, uri))
}

func (db *DB) ReadFollowByAccountIds(accountId, targetAccountId uuid.UUID) (*domain.Follow, error) {
	return db.scanFollow(db.db.QueryRow(sqlSelectFollowByAccounts, accountId.String(), targetAccountId.String()))
}

func (db *DB) scanFollow(row *sql.Row) (*domain.Follow, error) {
	var follow domain.Follow
	var idStr, accountIdStr, targetIdStr string
	err := row.Scan(
		&idStr,
		&accountIdStr,
		&targetIdStr,
		&follow.URI,
		&follow.Accepted,
		&follow.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	follow.Id, _ = uuid.Parse(idStr)
	follow.AccountId, _ = uuid.Parse(accountIdStr)
	follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
	return &follow, nil
}

func (db *DB) DeleteFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowByURI, uri)
		return err
	})
}

func (db *DB) DeleteFollowsByAccountId(accountId uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteFollowsByAccount, accountId.String(), accountId.String())
		return err
	})
}

func (db *DB) AcceptFollowByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlAcceptFollowByURI, uri)
		return err
	})
}

func (db *DB) ReadFollowersPage(targetAccountId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return db.queryFollows(sqlSelectFollowersPage, targetAccountId.String(), limit, offset)
}

func (db *DB) ReadFollowingPage(accountId uuid.UUID, limit, offset int) ([]domain.Follow, error) {
	return db.queryFollows(sqlSelectFollowingPage, accountId.String(), limit, offset)
}

func (db *DB) queryFollows(query string, args ...interface{}) ([]domain.Follow, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var follows []domain.Follow
	for rows.Next() {
		var follow domain.Follow
		var idStr, accountIdStr, targetIdStr string
		if err := rows.Scan(&idStr, &accountIdStr, &targetIdStr, &follow.URI, &follow.Accepted, &follow.CreatedAt); err != nil {
			return follows, err
		}
		follow.Id, _ = uuid.Parse(idStr)
		follow.AccountId, _ = uuid.Parse(accountIdStr)
		follow.TargetAccountId, _ = uuid.Parse(targetIdStr)
		follows = append(follows, follow)
	}
	return follows, rows.Err()
}

func (db *DB) CountFollowers(targetAccountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowers, targetAccountId.String()).Scan(&n)
	return n, err
}

func (db *DB) CountFollowing(accountId uuid.UUID) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountFollowing, accountId.String()).Scan(&n)
	return n, err
}

// Activity log queries
const (
	sqlInsertActivity            = `INSERT INTO activities(id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlUpdateActivity            = `UPDATE activities SET processed = ?, object_uri = ?, raw_json = ? WHERE id = ?`
	sqlSelectActivityByURI       = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE activity_uri = ?`
	sqlSelectActivityByObjectURI = `SELECT id, activity_uri, activity_type, actor_uri, object_uri, raw_json, processed, local, created_at FROM activities WHERE object_uri = ?`
	sqlDeleteActivity            = `DELETE FROM activities WHERE id = ?`
)

// CreateActivity inserts a received activity. A unique violation on
// activity_uri means the activity was already delivered; callers treat
// that as the idempotent duplicate case.
func (db *DB) CreateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertActivity,
			activity.Id.String(),
			activity.ActivityURI,
			activity.ActivityType,
			activity.ActorURI,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Processed,
			activity.Local,
			activity.CreatedAt,
		)
		return err
	})
}

func (db *DB) UpdateActivity(activity *domain.Activity) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActivity,
			activity.Processed,
			activity.ObjectURI,
			activity.RawJSON,
			activity.Id.String(),
		)
		return err
	})
}

func (db *DB) ReadActivityByURI(uri string) (*domain.Activity, error) {
	return db.scanActivity(db.db.QueryRow(sqlSelectActivityByURI, uri))
}

func (db *DB) ReadActivityByObjectURI(uri string) (*domain.Activity, error) {
	return db.scanActivity(db.db.QueryRow(sqlSelectActivityByObjectURI, uri))
}

func (db *DB) scanActivity(row *sql.Row) (*domain.Activity, error) {
	var activity domain.Activity
	var idStr string
	err := row.Scan(
		&idStr,
		&activity.ActivityURI,
		&activity.ActivityType,
		&activity.ActorURI,
		&activity.ObjectURI,
		&activity.RawJSON,
		&activity.Processed,
		&activity.Local,
		&activity.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	activity.Id, _ = uuid.Parse(idStr)
	return &activity, nil
}

func (db *DB) DeleteActivity(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteActivity, id.String())
		return err
	})
}

// Delivery queue queries
const (
	sqlInsertDeliveryQueue     = `INSERT INTO delivery_queue(id, inbox_uri, activity_json, attempts, next_retry_at, created_at) VALUES (?, ?, ?, ?, ?, ?)`
	sqlSelectPendingDeliveries = `SELECT id, inbox_uri, activity_json, attempts, next_retry_at, created_at FROM delivery_queue WHERE next_retry_at <= ? ORDER BY created_at ASC LIMIT ?`
	sqlUpdateDeliveryAttempt   = `UPDATE delivery_queue SET attempts = ?, next_retry_at = ? WHERE id = ?`
	sqlDeleteDelivery          = `DELETE FROM delivery_queue WHERE id = ?`
)

func (db *DB) EnqueueDelivery(item *domain.DeliveryQueueItem) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertDeliveryQueue,
			item.Id.String(),
			item.InboxURI,
			item.ActivityJSON,
			item.Attempts,
			item.NextRetryAt,
			item.CreatedAt,
		)
		return err
	})
}

// ReadPendingDeliveries returns the items due now, oldest first.
func (db *DB) ReadPendingDeliveries(limit int) ([]domain.DeliveryQueueItem, error) {
	return db.ReadPendingDeliveriesAt(time.Now(), limit)
}

// ReadPendingDeliveriesAt returns the items due at the given instant.
func (db *DB) ReadPendingDeliveriesAt(due time.Time, limit int) ([]domain.DeliveryQueueItem, error) {
	rows, err := db.db.Query(sqlSelectPendingDeliveries, due, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.DeliveryQueueItem
	for rows.Next() {
		var item domain.DeliveryQueueItem
		var idStr string
		if err := rows.Scan(&idStr, &item.InboxURI, &item.ActivityJSON, &item.Attempts, &item.NextRetryAt, &item.CreatedAt); err != nil {
			return items, err
		}
		item.Id, _ = uuid.Parse(idStr)
		items = append(items, item)
	}
	return items, rows.Err()
}

func (db *DB) UpdateDeliveryAttempt(id uuid.UUID, attempts int, nextRetry time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateDeliveryAttempt, attempts, nextRetry, id.String())
		return err
	})
}

func (db *DB) DeleteDelivery(id uuid.UUID) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteDelivery, id.String())
		return err
	})
}

// Like queries
const (
	sqlInsertLike = `INSERT INTO likes(id, account_id, note_id, uri, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlDeleteLike = `DELETE FROM likes WHERE uri = ?`
)

func (db *DB) CreateLike(like *domain.Like) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertLike,
			like.Id.String(),
			like.AccountId.String(),
			like.NoteId.String(),
			like.URI,
			like.CreatedAt,
		)
		return err
	})
}

func (db *DB) DeleteLikeByURI(uri string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteLike, uri)
		return err
	})
}

// OpenWebAuth token queries. Tokens are single-use: the DELETE is the
// atomic check-and-mark, so concurrent redemptions cannot both win.
const (
	sqlInsertOwaToken  = `INSERT INTO owa_tokens(id, token, actor_uri, created_at, expires_at) VALUES (?, ?, ?, ?, ?)`
	sqlConsumeOwaToken = `DELETE FROM owa_tokens WHERE token = ? RETURNING id, token, actor_uri, created_at, expires_at`
)

func (db *DB) CreateOwaToken(tok *domain.OwaToken) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlInsertOwaToken,
			tok.Id.String(),
			tok.Token,
			tok.ActorURI,
			tok.CreatedAt,
			tok.ExpiresAt,
		)
		return err
	})
}

// ConsumeOwaToken redeems a token. The row is removed and returned in
// one statement; a consumed or unknown token scans as sql.ErrNoRows,
// so only one of any number of concurrent redemptions succeeds.
func (db *DB) ConsumeOwaToken(token string) (*domain.OwaToken, error) {
	var tok domain.OwaToken
	var idStr string
	if err := db.wrapTransaction(func(tx *sql.Tx) error {
		row := tx.QueryRow(sqlConsumeOwaToken, token)
		return row.Scan(&idStr, &tok.Token, &tok.ActorURI, &tok.CreatedAt, &tok.ExpiresAt)
	}); err != nil {
		return nil, err
	}
	tok.Id, _ = uuid.Parse(idStr)
	if time.Now().After(tok.ExpiresAt) {
		return nil, sql.ErrNoRows
	}
	return &tok, nil
}
