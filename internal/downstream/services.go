package downstream

import (
	"context"
	"fmt"
	"strings"
)

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"is_active"`
}

type Dish struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Price       int64  `json:"price"`
	CategoryID  *int64 `json:"category_id,omitempty"`
	IsAvailable bool   `json:"is_available"`
}

// UserService reads the user directory.
type UserService struct {
	client  *Client
	baseURL string
}

func NewUserService(c *Client, baseURL string) *UserService {
	return &UserService{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *UserService) Healthy(ctx context.Context) bool {
	return s.client.CheckHealth(ctx, s.baseURL)
}

func (s *UserService) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	if err := s.client.Get(ctx, fmt.Sprintf("%s/users/%d", s.baseURL, id), &u); err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

// MenuService reads the dish catalog.
type MenuService struct {
	client  *Client
	baseURL string
}

func NewMenuService(c *Client, baseURL string) *MenuService {
	return &MenuService{client: c, baseURL: strings.TrimRight(baseURL, "/")}
}

func (s *MenuService) Healthy(ctx context.Context) bool {
	return s.client.CheckHealth(ctx, s.baseURL)
}

func (s *MenuService) GetDish(ctx context.Context, id int64) (*Dish, error) {
	var d Dish
	if err := s.client.Get(ctx, fmt.Sprintf("%s/dishes/%d", s.baseURL, id), &d); err != nil {
		return nil, fmt.Errorf("get dish %d: %w", id, err)
	}
	return &d, nil
}
