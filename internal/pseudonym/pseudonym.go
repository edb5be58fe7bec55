// Package pseudonym assigns classmates a stable animal alias so that peers
// never see each other's chosen display names.
package pseudonym

import "hash/fnv"

// Alias is the public face of a participant.
type Alias struct {
	Name  string `json:"name"`
	Emoji string `json:"emoji"`
}

// Animals is the fixed alias table. Order is part of the mapping; append only.
var Animals = []Alias{
	{"Otter", "🦦"},
	{"Panda", "🐼"},
	{"Koala", "🐨"},
	{"Fox", "🦊"},
	{"Owl", "🦉"},
	{"Penguin", "🐧"},
	{"Tiger", "🐯"},
	{"Rabbit", "🐰"},
	{"Dolphin", "🐬"},
	{"Hedgehog", "🦔"},
	{"Lion", "🦁"},
	{"Frog", "🐸"},
	{"Turtle", "🐢"},
	{"Octopus", "🐙"},
	{"Butterfly", "🦋"},
	{"Parrot", "🦜"},
	{"Elephant", "🐘"},
	{"Giraffe", "🦒"},
	{"Zebra", "🦓"},
	{"Whale", "🐳"},
	{"Unicorn", "🦄"},
	{"Bee", "🐝"},
	{"Sloth", "🦥"},
	{"Flamingo", "🦩"},
}

// Hash is 32-bit FNV-1a over the UTF-8 bytes of id.
func Hash(id string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return h.Sum32()
}

// Index maps a participant row id onto the alias table.
func Index(id string) int {
	return int(Hash(id) % uint32(len(Animals)))
}

// For returns the alias of a participant row id.
func For(id string) Alias {
	return Animals[Index(id)]
}

// String renders the alias as "emoji Name".
func (a Alias) String() string {
	return a.Emoji + " " + a.Name
}
