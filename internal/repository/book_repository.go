package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/digkill/StoryForge/internal/models"
)

type BookRepository struct {
	db *sql.DB
}

func NewBookRepository(db *sql.DB) *BookRepository {
	return &BookRepository{db: db}
}

const bookColumns = `id, user_id, job_id, title, COALESCE(description, ''), moral, COALESCE(moral_description, ''), page_count, COALESCE(cover_image_id, ''), reading_progress, rating, status, created_at, updated_at`

func scanBook(row rowScanner) (*models.Book, error) {
	var b models.Book
	var rating sql.NullInt64
	if err := row.Scan(&b.ID, &b.UserID, &b.JobID, &b.Title, &b.Description, &b.Moral, &b.MoralDescription, &b.PageCount, &b.CoverImageID, &b.ReadingProgress, &rating, &b.Status, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	if rating.Valid {
		v := int(rating.Int64)
		b.Rating = &v
	}
	return &b, nil
}

// CreateWithPages inserts a pending book and all of its pages atomically.
func (r *BookRepository) CreateWithPages(ctx context.Context, book *models.Book, pages []models.BookPage) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const insertBook = `
INSERT INTO books (id, user_id, job_id, title, description, moral, moral_description, page_count, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, insertBook, book.ID, book.UserID, book.JobID, book.Title, book.Description, book.Moral, book.MoralDescription, book.PageCount, book.Status, book.CreatedAt, book.UpdatedAt); err != nil {
			return fmt.Errorf("insert book: %w", err)
		}
		const insertPage = `
INSERT INTO book_pages (id, book_id, page_index, text, image_prompt, has_mascot, has_extra_character)
VALUES (?, ?, ?, ?, ?, ?, ?)`
		for _, p := range pages {
			if _, err := tx.ExecContext(ctx, insertPage, p.ID, book.ID, p.PageIndex, p.Text, p.ImagePrompt, p.HasMascot, p.HasExtraCharacter); err != nil {
				return fmt.Errorf("insert book page %d: %w", p.PageIndex, err)
			}
		}
		return nil
	})
}

// DiscardPending removes the unpublished book a previous attempt of jobID
// left behind, together with its pages. Ready books are never touched.
func (r *BookRepository) DiscardPending(ctx context.Context, jobID string) error {
	return WithTx(ctx, r.db, func(tx *sql.Tx) error {
		const deletePages = `
DELETE FROM book_pages WHERE book_id IN (SELECT id FROM books WHERE job_id = ? AND status = 'pending')`
		if _, err := tx.ExecContext(ctx, deletePages, jobID); err != nil {
			return fmt.Errorf("discard pending pages: %w", err)
		}
		const deleteBook = `DELETE FROM books WHERE job_id = ? AND status = 'pending'`
		if _, err := tx.ExecContext(ctx, deleteBook, jobID); err != nil {
			return fmt.Errorf("discard pending book: %w", err)
		}
		return nil
	})
}

func (r *BookRepository) SetPageImage(ctx context.Context, pageID, imageID string) error {
	const query = `UPDATE book_pages SET image_id = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, imageID, pageID); err != nil {
		return fmt.Errorf("set page image: %w", err)
	}
	return nil
}

func (r *BookRepository) SetCover(ctx context.Context, bookID, imageID string, now time.Time) error {
	const query = `UPDATE books SET cover_image_id = ?, updated_at = ? WHERE id = ?`
	if _, err := r.db.ExecContext(ctx, query, imageID, now, bookID); err != nil {
		return fmt.Errorf("set cover: %w", err)
	}
	return nil
}

func (r *BookRepository) Get(ctx context.Context, id string) (*models.Book, error) {
	const query = `SELECT ` + bookColumns + ` FROM books WHERE id = ?`
	book, err := scanBook(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get book: %w", err)
	}
	return book, nil
}

func (r *BookRepository) Pages(ctx context.Context, bookID string) ([]models.BookPage, error) {
	const query = `
SELECT id, book_id, page_index, text, COALESCE(image_prompt, ''), COALESCE(image_id, ''), has_mascot, has_extra_character
FROM book_pages WHERE book_id = ? ORDER BY page_index ASC`
	rows, err := r.db.QueryContext(ctx, query, bookID)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	defer rows.Close()

	var pages []models.BookPage
	for rows.Next() {
		var p models.BookPage
		if err := rows.Scan(&p.ID, &p.BookID, &p.PageIndex, &p.Text, &p.ImagePrompt, &p.ImageID, &p.HasMascot, &p.HasExtraCharacter); err != nil {
			return nil, fmt.Errorf("scan page: %w", err)
		}
		pages = append(pages, p)
	}
	return pages, rows.Err()
}

func (r *BookRepository) ListReadyByUser(ctx context.Context, userID string, limit int) ([]models.Book, error) {
	const query = `SELECT ` + bookColumns + ` FROM books
WHERE user_id = ? AND status = 'ready'
ORDER BY created_at DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	var books []models.Book
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("scan book list: %w", err)
		}
		books = append(books, *b)
	}
	return books, rows.Err()
}

func (r *BookRepository) SetRating(ctx context.Context, id, userID string, rating int, now time.Time) error {
	const query = `UPDATE books SET rating = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = 'ready'`
	return r.ownedUpdate(ctx, "rate book", query, rating, now, id, userID)
}

func (r *BookRepository) SetReadingProgress(ctx context.Context, id, userID string, progress int, now time.Time) error {
	const query = `UPDATE books SET reading_progress = ?, updated_at = ? WHERE id = ? AND user_id = ? AND status = 'ready'`
	return r.ownedUpdate(ctx, "update reading progress", query, progress, now, id, userID)
}

func (r *BookRepository) ownedUpdate(ctx context.Context, op, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
