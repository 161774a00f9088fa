package main

import "testing"

func TestParseIDs(t *testing.T) {
	ids, err := parseIDs(" 2, 5,,9 ")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(ids) != 3 || ids[0] != 2 || ids[2] != 9 {
		t.Fatalf("unexpected ids %v", ids)
	}
	if _, err := parseIDs("1,x"); err == nil {
		t.Fatal("expected error for non-numeric id")
	}
}
