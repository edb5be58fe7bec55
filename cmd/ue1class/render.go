package main

import (
	"fmt"
	"io"

	"ue1live/internal/view"
	"ue1live/pkg/types"
)

func printView(w io.Writer, v view.View) {
	switch v.Kind {
	case view.KindWaitingRoom:
		fmt.Fprintf(w, "[waiting room] code %s, %d joined\n", v.Code, v.ParticipantCount)
		printPeers(w, v.Peers)
	case view.KindPaused:
		fmt.Fprintln(w, "[paused] the lesson is paused")
	case view.KindEnded:
		fmt.Fprintln(w, "[ended] the session has ended")
	default:
		fmt.Fprintf(w, "[%s] page %d/%d %s\n", v.Status, v.Page, v.TotalPages, v.Title)
		printContent(w, v)
		if v.TeacherPosition != nil {
			fmt.Fprintf(w, "  (teacher is on page %d)\n", v.TeacherPage)
		}
		if v.IsTeacher {
			printPeers(w, v.Peers)
		}
	}
	if v.Prompt != nil {
		fmt.Fprintf(w, "  >> %s: %s\n", v.Prompt.PromptType, v.Prompt.Content)
	}
}

func printContent(w io.Writer, v view.View) {
	switch v.Kind {
	case view.KindNotes:
		for _, note := range v.Notes {
			fmt.Fprintf(w, "  %s\n", note)
		}
	case view.KindMC:
		if v.Question == nil {
			fmt.Fprintf(w, "  multiple choice %d\n", v.Index+1)
			return
		}
		fmt.Fprintf(w, "  Q%d. %s\n", v.Index+1, v.Question.Prompt)
		for i, option := range v.Question.Options {
			fmt.Fprintf(w, "    %d) %s\n", i+1, option)
		}
	case view.KindOpenEnded:
		if v.Task == nil {
			fmt.Fprintf(w, "  writing task %d\n", v.Index+1)
			return
		}
		fmt.Fprintf(w, "  W%d. %s\n", v.Index+1, v.Task.Prompt)
	}
}

func printPeers(w io.Writer, peers []view.Peer) {
	for _, p := range peers {
		status := "offline"
		if p.Online {
			status = "online"
		}
		if p.Section != "" {
			fmt.Fprintf(w, "  - %s (%s, %s)\n", p.Alias, status, p.Section)
			continue
		}
		fmt.Fprintf(w, "  - %s (%s)\n", p.Alias, status)
	}
}

func printStats(w io.Writer, qt types.QuestionType, index int, s types.ResponseStats) {
	fmt.Fprintf(w, "%s %d: total %d, correct %d, incorrect %d, pending %d\n",
		qt, index+1, s.Total, s.Correct, s.Incorrect, s.Pending)
}
