package server

import (
	"fmt"
	"time"

	"github.com/shouni/go-variation-studio/internal/studio"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// StudioFactory は ID から新しい Studio を生成します。
type StudioFactory func(id string) (*studio.Studio, error)

// Store はスタジオをアクセスのたびに期限が延長されるキャッシュで保持します。
type Store struct {
	cache   *cache.Cache
	factory StudioFactory
}

// NewStore は ttl で期限切れになる Store を生成します。
func NewStore(ttl time.Duration, factory StudioFactory) (*Store, error) {
	if factory == nil {
		return nil, fmt.Errorf("StudioFactory は必須です")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("ttl は正の値である必要があります: %s", ttl)
	}
	return &Store{
		cache:   cache.New(ttl, ttl/2),
		factory: factory,
	}, nil
}

// Create は新しいスタジオを生成して保存します。
func (s *Store) Create() (*studio.Studio, error) {
	st, err := s.factory(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("スタジオの生成に失敗しました: %w", err)
	}
	s.cache.Set(st.ID(), st, cache.DefaultExpiration)
	return st, nil
}

// Get は ID に対応するスタジオを返し、期限を延長します。
func (s *Store) Get(id string) (*studio.Studio, bool) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, false
	}
	st, ok := v.(*studio.Studio)
	if !ok {
		return nil, false
	}
	s.cache.Set(id, st, cache.DefaultExpiration)
	return st, true
}

// Touch は ID が存在すれば期限を延長します。
func (s *Store) Touch(id string) {
	s.Get(id)
}

// Count は保持しているスタジオ数を返します。
func (s *Store) Count() int {
	return s.cache.ItemCount()
}

// OnEvicted は期限切れ等で削除されたときのコールバックを設定します。
func (s *Store) OnEvicted(fn func(id string)) {
	s.cache.OnEvicted(func(key string, _ interface{}) {
		fn(key)
	})
}
