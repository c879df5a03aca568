package model

import "time"

// RateLimitWindow は永続ログに対する1回の判定結果を表す。
// Countは判定時点でウィンドウ内に存在した行数（今回の挿入分を含まない）。
// Oldestはウィンドウ内で最も古い行の時刻で、行が無い場合はゼロ値。
type RateLimitWindow struct {
	Count    int
	Oldest   time.Time
	Recorded bool
}
