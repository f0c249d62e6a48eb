package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/digkill/StoryForge/internal/models"
	"github.com/digkill/StoryForge/internal/repository"
)

const (
	DefaultBooksLimit = 20
	MaxBooksLimit     = 100
)

type BookView struct {
	ID               string            `json:"id"`
	JobID            string            `json:"job_id"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	Moral            string            `json:"moral"`
	MoralDescription string            `json:"moral_description"`
	PageCount        int               `json:"page_count"`
	CoverURL         string            `json:"cover_url,omitempty"`
	ReadingProgress  int               `json:"reading_progress"`
	Rating           *int              `json:"rating,omitempty"`
	Status           models.BookStatus `json:"status"`
	CreatedAt        time.Time         `json:"created_at"`
}

type PageView struct {
	PageIndex         int    `json:"page_index"`
	Text              string `json:"text"`
	ImageURL          string `json:"image_url,omitempty"`
	HasMascot         bool   `json:"has_mascot"`
	HasExtraCharacter bool   `json:"has_extra_character"`
}

// BookService serves a user's books. Storage ids are resolved to URLs on
// every read and books of other users read as absent.
type BookService struct {
	books *repository.BookRepository
	urls  URLResolver
	log   *slog.Logger
	now   func() time.Time
}

func NewBookService(books *repository.BookRepository, urls URLResolver, log *slog.Logger) *BookService {
	return &BookService{
		books: books,
		urls:  urls,
		log:   log,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (s *BookService) GetBook(ctx context.Context, userID, bookID string) (*BookView, error) {
	book, err := s.owned(ctx, userID, bookID)
	if err != nil || book == nil {
		return nil, err
	}
	return s.view(ctx, book)
}

// GetBookPages returns nil when the book is missing or not owned by userID.
func (s *BookService) GetBookPages(ctx context.Context, userID, bookID string) ([]PageView, error) {
	book, err := s.owned(ctx, userID, bookID)
	if err != nil || book == nil {
		return nil, err
	}
	pages, err := s.books.Pages(ctx, book.ID)
	if err != nil {
		return nil, err
	}
	views := make([]PageView, 0, len(pages))
	for _, p := range pages {
		v := PageView{
			PageIndex:         p.PageIndex,
			Text:              p.Text,
			HasMascot:         p.HasMascot,
			HasExtraCharacter: p.HasExtraCharacter,
		}
		if p.ImageID != "" {
			if v.ImageURL, err = s.urls.URL(ctx, p.ImageID); err != nil {
				return nil, fmt.Errorf("resolve page image: %w", err)
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// GetUserBooks lists the user's finished books, newest first.
func (s *BookService) GetUserBooks(ctx context.Context, userID string, limit int) ([]BookView, error) {
	if limit <= 0 {
		limit = DefaultBooksLimit
	}
	if limit > MaxBooksLimit {
		limit = MaxBooksLimit
	}
	books, err := s.books.ListReadyByUser(ctx, userID, limit)
	if err != nil {
		return nil, err
	}
	views := make([]BookView, 0, len(books))
	for i := range books {
		v, err := s.view(ctx, &books[i])
		if err != nil {
			return nil, err
		}
		views = append(views, *v)
	}
	return views, nil
}

func (s *BookService) RateBook(ctx context.Context, userID, bookID string, rating int) error {
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be between 1 and 5", ErrInvalidInput)
	}
	return notFound(s.books.SetRating(ctx, bookID, userID, rating, s.now()))
}

func (s *BookService) UpdateReadingProgress(ctx context.Context, userID, bookID string, progress int) error {
	if progress < 0 || progress > 100 {
		return fmt.Errorf("%w: progress must be between 0 and 100", ErrInvalidInput)
	}
	return notFound(s.books.SetReadingProgress(ctx, bookID, userID, progress, s.now()))
}

func (s *BookService) owned(ctx context.Context, userID, bookID string) (*models.Book, error) {
	book, err := s.books.Get(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if book == nil || book.UserID != userID {
		return nil, nil
	}
	return book, nil
}

func (s *BookService) view(ctx context.Context, b *models.Book) (*BookView, error) {
	v := &BookView{
		ID:               b.ID,
		JobID:            b.JobID,
		Title:            b.Title,
		Description:      b.Description,
		Moral:            b.Moral,
		MoralDescription: b.MoralDescription,
		PageCount:        b.PageCount,
		ReadingProgress:  b.ReadingProgress,
		Rating:           b.Rating,
		Status:           b.Status,
		CreatedAt:        b.CreatedAt,
	}
	if b.CoverImageID != "" {
		url, err := s.urls.URL(ctx, b.CoverImageID)
		if err != nil {
			return nil, fmt.Errorf("resolve cover: %w", err)
		}
		v.CoverURL = url
	}
	return v, nil
}

func notFound(err error) error {
	if errors.Is(err, repository.ErrNotFound) {
		return ErrNotFound
	}
	return err
}
