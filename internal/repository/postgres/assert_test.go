package postgres

import "github.com/and161185/fence-sync/internal/repository"

var (
	_ repository.GroupRepository   = (*GroupRepo)(nil)
	_ repository.ThreadRepository  = (*ThreadRepo)(nil)
	_ repository.MessageRepository = (*MessageRepo)(nil)
)
