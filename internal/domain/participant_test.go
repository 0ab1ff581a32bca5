package domain

import "testing"

func strPtr(s string) *string { return &s }

func TestMerge_AppendsLikes(t *testing.T) {
	p := Participant{Username: "neo", Likes: "cats"}
	got := Merge(p, ProfileUpdate{Likes: strPtr("dogs")})
	if got.Likes != "cats, dogs" {
		t.Fatalf("expected %q, got %q", "cats, dogs", got.Likes)
	}
}

func TestMerge_NilLeavesUnchanged(t *testing.T) {
	p := Participant{Username: "neo", Likes: "cats", Nickname: "N"}
	got := Merge(p, ProfileUpdate{})
	if got != p {
		t.Fatalf("expected unchanged participant, got %+v", got)
	}
}

func TestMerge_EmptyExistingIsAbsence(t *testing.T) {
	got := Merge(Participant{Dislikes: "  "}, ProfileUpdate{Dislikes: strPtr("rain")})
	if got.Dislikes != "rain" {
		t.Fatalf("expected %q, got %q", "rain", got.Dislikes)
	}
}

func TestMerge_ReplacesScalars(t *testing.T) {
	p := Participant{Username: "neo", DisplayName: "Thomas", Nickname: "Tom", Age: "20"}
	got := Merge(p, ProfileUpdate{Nickname: strPtr("Neo"), Age: strPtr("21"), Pronouns: strPtr("he/him")})
	if got.Nickname != "Neo" || got.Age != "21" || got.Pronouns != "he/him" {
		t.Fatalf("unexpected merge result: %+v", got)
	}
	if got.Username != "neo" || got.DisplayName != "Thomas" {
		t.Fatalf("identity fields changed: %+v", got)
	}
}

func TestMerge_BlankScalarIgnored(t *testing.T) {
	got := Merge(Participant{Nickname: "Tom"}, ProfileUpdate{Nickname: strPtr(" ")})
	if got.Nickname != "Tom" {
		t.Fatalf("expected nickname kept, got %q", got.Nickname)
	}
}

func TestParticipant_Name(t *testing.T) {
	cases := []struct {
		p    Participant
		want string
	}{
		{Participant{Username: "u", DisplayName: "D", Nickname: "N"}, "N"},
		{Participant{Username: "u", DisplayName: "D"}, "D"},
		{Participant{Username: "u"}, "u"},
		{Participant{}, "someone"},
	}
	for _, tc := range cases {
		if got := tc.p.Name(); got != tc.want {
			t.Errorf("Name(%+v) = %q, want %q", tc.p, got, tc.want)
		}
	}
}

func TestParticipant_Describe(t *testing.T) {
	if d := (Participant{Username: "u"}).Describe(); d != "" {
		t.Fatalf("expected empty description, got %q", d)
	}
	d := Participant{Username: "u", DisplayName: "Uma", Likes: "tea"}.Describe()
	if d != "Known details about Uma: likes tea." {
		t.Fatalf("unexpected description: %q", d)
	}
}

func TestReverse(t *testing.T) {
	entries := []LogEntry{{ID: 3}, {ID: 2}, {ID: 1}}
	Reverse(entries)
	for i, want := range []int64{1, 2, 3} {
		if entries[i].ID != want {
			t.Fatalf("entries[%d].ID = %d, want %d", i, entries[i].ID, want)
		}
	}
}
