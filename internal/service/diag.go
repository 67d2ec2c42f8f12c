package service

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/samber/lo"

	"github.com/lk2023060901/danmu-push-go/internal/registry"
)

func (s *Service) handleShowSession(w http.ResponseWriter, r *http.Request) {
	key, err := userKeyFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sess := s.reg.GetSession(key)
	if wantsJSON(r) {
		if sess == nil {
			s.writeOffline(w, r, key)
			return
		}
		writeJSON(w, r, http.StatusOK, sess.Summary())
		return
	}

	var sb strings.Builder
	if sess == nil {
		sb.WriteString(resultOffline)
	} else {
		sess.Describe(&sb)
	}
	sb.WriteString("\n")
	writeText(w, http.StatusOK, sb.String())
}

type roomSummary struct {
	Room   string               `json:"room"`
	Shards []registry.RoomShard `json:"shards"`
}

func (s *Service) handleShowRoom(w http.ResponseWriter, r *http.Request) {
	rooms, err := roomsFromQuery(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	summaries := lo.Map(rooms, func(key registry.RoomKey, _ int) roomSummary {
		return roomSummary{Room: key.String(), Shards: s.reg.RoomShards(key)}
	})
	if wantsJSON(r) {
		writeJSON(w, r, http.StatusOK, summaries)
		return
	}

	var sb strings.Builder
	for _, sum := range summaries {
		fmt.Fprintf(&sb, "room[%s] :", sum.Room)
		for _, shard := range sum.Shards {
			fmt.Fprintf(&sb, "\n                bucket[%d] size=%d", shard.Bucket, shard.Size)
		}
		sb.WriteString("\n")
	}
	writeText(w, http.StatusOK, sb.String())
}

func (s *Service) handleShowBucket(w http.ResponseWriter, r *http.Request) {
	buckets := s.reg.Buckets()
	if wantsJSON(r) {
		writeJSON(w, r, http.StatusOK, lo.Map(buckets, func(b *registry.Bucket, _ int) registry.BucketSummary {
			return b.Summary()
		}))
		return
	}

	var sb strings.Builder
	for _, b := range buckets {
		b.Describe(&sb)
		sb.WriteString("\n")
	}
	writeText(w, http.StatusOK, sb.String())
}
