package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInFlightTTL 처리 중 예약의 기본 만료 시간.
// 처리 도중 프로세스가 죽어도 이 시간이 지나면 재전달된 메시지를 다시 처리할 수 있다.
const DefaultInFlightTTL = 5 * time.Minute

const doneValue = "done"

// State 멱등성 키 상태
type State int

const (
	StateAbsent State = iota
	StateInFlight
	StateDone
)

// Reservation 예약된 멱등성 키. Complete/Release는 이 예약이 아직 키를 소유할 때만 적용된다.
type Reservation struct {
	Key   string
	token string
}

// Store 멱등성 키 저장소 인터페이스
type Store interface {
	// Reserve 키를 inFlightTTL 동안 예약. 이미 처리 중이거나 완료된 키면 nil 반환
	Reserve(ctx context.Context, key string, inFlightTTL time.Duration) (*Reservation, error)
	// Complete 처리 완료 표시. 이후 ttl 동안 같은 키는 중복으로 취급된다
	Complete(ctx context.Context, r *Reservation, ttl time.Duration) error
	// Release 예약 해제. 재전달 시 다시 처리된다
	Release(ctx context.Context, r *Reservation) error
	// State 키 상태 조회
	State(ctx context.Context, key string) (State, error)
}

// 토큰이 일치할 때만 완료 표시
var completeScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("SET", KEYS[1], ARGV[2], "PX", ARGV[3])
end
return false
`)

// 토큰이 일치할 때만 삭제 (만료 후 다른 소비자가 다시 예약한 키는 건드리지 않는다)
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore Redis 기반 멱등성 저장소
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore Redis 기반 멱등성 저장소 생성
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Reserve 멱등성 키 예약
func (s *RedisStore) Reserve(ctx context.Context, key string, inFlightTTL time.Duration) (*Reservation, error) {
	if inFlightTTL <= 0 {
		inFlightTTL = DefaultInFlightTTL
	}
	token := uuid.New().String()
	ok, err := s.client.SetNX(ctx, s.fullKey(key), token, inFlightTTL).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &Reservation{Key: key, token: token}, nil
}

// Complete 처리 완료 표시
func (s *RedisStore) Complete(ctx context.Context, r *Reservation, ttl time.Duration) error {
	err := completeScript.Run(ctx, s.client, []string{s.fullKey(r.Key)}, r.token, doneValue, ttl.Milliseconds()).Err()
	if err == redis.Nil {
		return fmt.Errorf("idempotency key %s is no longer held by this reservation", r.Key)
	}
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// Release 멱등성 키 해제
func (s *RedisStore) Release(ctx context.Context, r *Reservation) error {
	if err := releaseScript.Run(ctx, s.client, []string{s.fullKey(r.Key)}, r.token).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

// State 키 상태 조회
func (s *RedisStore) State(ctx context.Context, key string) (State, error) {
	value, err := s.client.Get(ctx, s.fullKey(key)).Result()
	if err == redis.Nil {
		return StateAbsent, nil
	}
	if err != nil {
		return StateAbsent, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if value == doneValue {
		return StateDone, nil
	}
	return StateInFlight, nil
}

func (s *RedisStore) fullKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}
