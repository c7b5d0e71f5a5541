package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

type SQLUserRepository struct {
	db *DB
}

var _ UserRepository = (*SQLUserRepository)(nil)

func NewUserRepository(db *DB) *SQLUserRepository {
	return &SQLUserRepository{db: db}
}

func (r *SQLUserRepository) CreateUser(ctx context.Context, user *User) error {
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO users (username, email, telegram_chat_id, created_at) VALUES (?, ?, ?, ?)`,
		user.Username, user.Email, user.TelegramChatID, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	user.ID = id
	user.CreatedAt = now
	return nil
}

func (r *SQLUserRepository) GetUser(ctx context.Context, id int64) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, username, email, telegram_chat_id, created_at FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (r *SQLUserRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, username, email, telegram_chat_id, created_at FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (r *SQLUserRepository) GetUserCount(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

func scanUser(row scannable) (*User, error) {
	var u User
	var created string
	err := row.Scan(&u.ID, &u.Username, &u.Email, &u.TelegramChatID, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt, _ = time.Parse(timeLayout, created)
	return &u, nil
}

type scannable interface {
	Scan(dest ...any) error
}
