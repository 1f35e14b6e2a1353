package logger

import "testing"

func TestOperationFromSQL(t *testing.T) {
	cases := map[string]string{
		"SELECT * FROM subscriptions":                       "SELECT",
		"  update subscriptions SET credits_used = 1":       "UPDATE",
		"WITH due AS (SELECT id FROM x) UPDATE x SET a = 1": "SELECT",
		"INSERT INTO generations (id) VALUES (1)":           "INSERT",
		"":                                                  "UNKNOWN",
	}
	for sql, want := range cases {
		if got := operationFromSQL(sql); got != want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", sql, got, want)
		}
	}
}
