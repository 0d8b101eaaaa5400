package conn

import (
	"strconv"
	"strings"
)

// CommandTag is the status text of a CommandComplete message, e.g. "INSERT 0 5" or "SELECT 10".
type CommandTag string

// RowsAffected returns the number of rows affected. If the CommandTag was not
// for a row affecting command (e.g. "CREATE TABLE") then it returns 0.
func (ct CommandTag) RowsAffected() int64 {
	idx := strings.LastIndexByte(string(ct), ' ')
	if idx < 0 {
		return 0
	}
	n, err := strconv.ParseInt(string(ct[idx+1:]), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (ct CommandTag) String() string {
	return string(ct)
}

// Insert is true if the command tag starts with "INSERT".
func (ct CommandTag) Insert() bool {
	return strings.HasPrefix(string(ct), "INSERT")
}

// Update is true if the command tag starts with "UPDATE".
func (ct CommandTag) Update() bool {
	return strings.HasPrefix(string(ct), "UPDATE")
}

// Delete is true if the command tag starts with "DELETE".
func (ct CommandTag) Delete() bool {
	return strings.HasPrefix(string(ct), "DELETE")
}

// Select is true if the command tag starts with "SELECT".
func (ct CommandTag) Select() bool {
	return strings.HasPrefix(string(ct), "SELECT")
}
