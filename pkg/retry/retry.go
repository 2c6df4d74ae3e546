package retry

import (
	"errors"
	"math/rand"
	"net"
	"syscall"
	"time"
)

// Config はリトライ間隔の設定を保持する
type Config struct {
	BaseInterval time.Duration
	MaxBackoff   time.Duration
}

// DefaultConfig は accept ループ向けのデフォルト設定を返す
func DefaultConfig() Config {
	return Config{
		BaseInterval: 5 * time.Millisecond,
		MaxBackoff:   time.Second,
	}
}

// Backoff は指数バックオフ + ジッターを計算する
func Backoff(attempt int, baseInterval, maxBackoff time.Duration) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := baseInterval << attempt
	if d > maxBackoff || d <= 0 {
		d = maxBackoff
	}
	// +/-10% jitter
	jitter := time.Duration(int64(d) * int64(9+rand.Intn(3)) / 10)
	return jitter
}

// Next は cfg に従って attempt 回目の待ち時間を返す
func (c Config) Next(attempt int) time.Duration {
	return Backoff(attempt, c.BaseInterval, c.MaxBackoff)
}

// ShouldRetry は accept のエラーが一時的なものか判定する
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return false
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}

	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE) ||
		errors.Is(err, syscall.ENOBUFS)
}
