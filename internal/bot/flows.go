package bot

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"volunteerops/internal/delivery"
	"volunteerops/internal/domain"
	"volunteerops/internal/engine"
	"volunteerops/internal/engine/auth"
	"volunteerops/internal/session"
)

const (
	flowNewTask    = "new_task"
	flowPhoto      = "photo_report"
	flowModeration = "moderation"
)

// Selection ids used inside flows.
const (
	pickProject   = "pick_project_"
	pickRecipient = "pick_rcpt_"
	recipientsAll = "pick_rcpt_all"
	recipientsOK  = "pick_rcpt_done"
	confirmYes    = "confirm_yes"
	confirmNo     = "confirm_no"
	modAction     = "mod_photo_action_"
	modRate       = "mod_photo_rate_"
)

func (r *Router) registerFlows() {
	r.Sessions.Register(r.newTaskFlow())
	r.Sessions.Register(r.photoFlow())
	r.Sessions.Register(r.moderationFlow())
}

type candidate struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r *Router) startNewTask(ctx context.Context, chatID int64, user domain.User, projectArg string) error {
	if err := r.Auth.Require(ctx, user.ID, auth.PermTaskManage); err != nil {
		return r.fail(ctx, chatID, err)
	}
	projects, err := r.Engine.Repo.ListProjects(ctx, user.ID)
	if err != nil {
		return err
	}
	if user.Role == domain.RoleAdmin && len(projects) == 0 {
		if projects, err = r.Engine.Repo.ListProjects(ctx, ""); err != nil {
			return err
		}
	}
	if len(projects) == 0 {
		return r.reply(ctx, chatID, session.Reply{Text: "You do not organize any project yet."})
	}
	for _, p := range projects {
		if p.ID == projectArg || len(projects) == 1 {
			reply, err := r.Sessions.StartAt(ctx, user.ID, flowNewTask, "awaiting_description", map[string]string{"project_id": p.ID})
			if err != nil {
				return err
			}
			return r.reply(ctx, chatID, reply)
		}
	}
	list, _ := json.Marshal(projectChoices(projects))
	reply, err := r.Sessions.Start(ctx, user.ID, flowNewTask, map[string]string{"projects": string(list)})
	if err != nil {
		return err
	}
	return r.reply(ctx, chatID, reply)
}

func projectChoices(projects []domain.Project) []candidate {
	out := make([]candidate, len(projects))
	for i, p := range projects {
		out[i] = candidate{ID: p.ID, Name: p.Name}
	}
	return out
}

func decodeCandidates(raw string) []candidate {
	var out []candidate
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}

func (r *Router) newTaskFlow() session.Flow {
	return session.Flow{
		Name:  flowNewTask,
		First: "awaiting_project",
		Steps: map[string]session.Step{
			"awaiting_project": {
				Accepts: session.KindSelection,
				Prompt: func(s session.State) session.Reply {
					var actions []delivery.Action
					for _, p := range decodeCandidates(s.Get("projects")) {
						actions = append(actions, delivery.Action{Label: p.Name, ID: pickProject + p.ID})
					}
					return session.Reply{Text: "Which project is the task for?", Actions: actions}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					id, ok := strings.CutPrefix(in.Selection, pickProject)
					if !ok {
						return "", session.Reprompt("Pick a project from the list.")
					}
					s.Set("project_id", id)
					return "awaiting_description", nil
				},
			},
			"awaiting_description": {
				Accepts: session.KindText,
				Prompt: func(session.State) session.Reply {
					return session.Reply{Text: "Describe the task."}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					desc := strings.TrimSpace(in.Text)
					if desc == "" {
						return "", session.Reprompt("The description cannot be empty.")
					}
					s.Set("description", desc)
					return "awaiting_deadline", nil
				},
			},
			"awaiting_deadline": {
				Accepts: session.KindText,
				Prompt: func(session.State) session.Reply {
					return session.Reply{Text: "When is the deadline? For example 2025-03-01, 09:00-17:00 or 01.03.2025. Send - for none."}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					raw := strings.TrimSpace(in.Text)
					if raw != "-" && !strings.EqualFold(raw, "none") {
						d, err := domain.ParseDeadline(raw)
						if err != nil {
							return "", session.Reprompt("I could not read that deadline.")
						}
						s.Set("deadline", d.String())
					}
					ids, err := r.Engine.Repo.ProjectVolunteerIDs(ctx, s.Get("project_id"))
					if err != nil {
						return "", err
					}
					users, err := r.Engine.Repo.UsersByID(ctx, ids)
					if err != nil {
						return "", err
					}
					var cands []candidate
					for _, id := range ids {
						cands = append(cands, candidate{ID: id, Name: users[id].Name})
					}
					list, _ := json.Marshal(cands)
					s.Set("candidates", string(list))
					return "awaiting_recipients", nil
				},
			},
			"awaiting_recipients": {
				Accepts: session.KindSelection,
				Prompt:  recipientsPrompt,
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					switch in.Selection {
					case recipientsAll:
						s.Set("selected", "")
						return "awaiting_confirmation", nil
					case recipientsOK:
						if s.Get("selected") == "" {
							return "", session.Reprompt("Pick at least one volunteer, or choose everyone.")
						}
						return "awaiting_confirmation", nil
					}
					id, ok := strings.CutPrefix(in.Selection, pickRecipient)
					if !ok {
						return "", session.Reprompt("Pick volunteers from the list.")
					}
					s.Set("selected", strings.Join(toggle(splitIDs(s.Get("selected")), id), ","))
					return "awaiting_recipients", nil
				},
			},
			"awaiting_confirmation": {
				Accepts: session.KindSelection,
				Prompt: func(s session.State) session.Reply {
					who := "all project volunteers"
					if sel := s.Get("selected"); sel != "" {
						who = fmt.Sprintf("%d selected volunteers", len(splitIDs(sel)))
					}
					text := fmt.Sprintf("Create this task for %s?\n\n%s", who, s.Get("description"))
					if d := s.Get("deadline"); d != "" {
						text += "\nDeadline: " + d
					}
					return session.Reply{Text: text, Actions: []delivery.Action{
						{Label: "Create", ID: confirmYes},
						{Label: "Cancel", ID: confirmNo},
					}}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					switch in.Selection {
					case confirmYes:
						return session.Completed, nil
					case confirmNo:
						return session.Cancelled, nil
					}
					return "", session.Reprompt("Confirm or cancel.")
				},
			},
		},
		Finish: func(ctx context.Context, s session.State) (session.Reply, error) {
			created, err := r.Engine.CreateTask(ctx, engine.TaskCreateOptions{
				ProjectID:    s.Get("project_id"),
				CreatorID:    s.UserID,
				Description:  s.Get("description"),
				Deadline:     s.Get("deadline"),
				VolunteerIDs: splitIDs(s.Get("selected")),
			})
			if err != nil {
				return session.Reply{}, err
			}
			return session.Reply{Text: "Task created: " + created.Summary}, nil
		},
	}
}

func recipientsPrompt(s session.State) session.Reply {
	selected := map[string]bool{}
	for _, id := range splitIDs(s.Get("selected")) {
		selected[id] = true
	}
	cands := decodeCandidates(s.Get("candidates"))
	actions := []delivery.Action{{Label: "Everyone", ID: recipientsAll}}
	for i, c := range cands {
		label := c.Name
		if selected[c.ID] {
			label = "[x] " + label
		}
		actions = append(actions, delivery.Action{Label: label, ID: pickRecipient + c.ID, Row: 1 + i/2})
	}
	actions = append(actions, delivery.Action{Label: "Done", ID: recipientsOK, Row: 2 + len(cands)/2})
	return session.Reply{Text: "Who should get the task? Tap names to select, then Done.", Actions: actions}
}

func splitIDs(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

func toggle(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return append(ids, id)
}

func (r *Router) photoFlow() session.Flow {
	return session.Flow{
		Name:  flowPhoto,
		First: "awaiting_photo",
		Steps: map[string]session.Step{
			"awaiting_photo": {
				Accepts: session.KindImage,
				Prompt: func(session.State) session.Reply {
					return session.Reply{Text: "Send a photo of the finished work."}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					p, err := r.Engine.SubmitPhotoReport(ctx, engine.PhotoSubmitOptions{
						VolunteerID: s.UserID,
						TaskID:      s.Get("task_id"),
						Image:       in.Image,
						Filename:    in.Filename,
					})
					if err != nil {
						return "", err
					}
					s.Set("photo_id", p.ID)
					return session.Completed, nil
				},
			},
		},
		Finish: func(ctx context.Context, s session.State) (session.Reply, error) {
			return session.Reply{Text: "Thanks! Your photo was sent for moderation."}, nil
		},
	}
}

func (r *Router) startModeration(ctx context.Context, chatID int64, user domain.User) error {
	if err := r.Auth.Require(ctx, user.ID, auth.PermPhotoModerate); err != nil {
		return r.fail(ctx, chatID, err)
	}
	seed := map[string]string{"idx": "0"}
	found, err := r.loadPending(ctx, user.ID, seed)
	if err != nil {
		return err
	}
	if !found {
		return r.reply(ctx, chatID, session.Reply{Text: "No photo reports are waiting."})
	}
	reply, err := r.Sessions.Start(ctx, user.ID, flowModeration, seed)
	if err != nil {
		return err
	}
	return r.reply(ctx, chatID, reply)
}

// loadPending puts the pending report at position idx of the moderator's
// queue into data. It steps back to the last report when idx ran past the
// end of the queue.
func (r *Router) loadPending(ctx context.Context, moderatorID string, data map[string]string) (bool, error) {
	idx, _ := strconv.Atoi(data["idx"])
	page, err := r.Engine.ModerationQueue(ctx, moderatorID, "", idx, 1)
	if err != nil {
		return false, err
	}
	if len(page.Items) == 0 && page.Total > 0 {
		idx = page.Total - 1
		if page, err = r.Engine.ModerationQueue(ctx, moderatorID, "", idx, 1); err != nil {
			return false, err
		}
	}
	if len(page.Items) == 0 {
		return false, nil
	}
	p := page.Items[0]
	data["idx"] = strconv.Itoa(idx)
	data["total"] = strconv.Itoa(page.Total)
	data["photo_id"] = p.ID
	data["image_ref"] = p.ImageRef
	data["volunteer_id"] = p.VolunteerID
	return true, nil
}

func (r *Router) moderationFlow() session.Flow {
	// advance reloads the queue after a decision and picks the next step.
	advance := func(ctx context.Context, s *session.State) (string, error) {
		if s.Data == nil {
			s.Data = map[string]string{}
		}
		found, err := r.loadPending(ctx, s.UserID, s.Data)
		if err != nil {
			return "", err
		}
		if !found {
			return session.Completed, nil
		}
		return "reviewing", nil
	}
	// decide applies a decision once the moderator still manages the
	// report's project, then moves on to the next report.
	decide := func(ctx context.Context, s *session.State, apply func() (engine.ModerationResult, error)) (string, error) {
		photo, err := r.Engine.Repo.GetPhoto(ctx, s.Get("photo_id"))
		if err != nil {
			return "", err
		}
		if err := r.Auth.RequireProject(ctx, photo.ProjectID, s.UserID, auth.PermPhotoModerate); err != nil {
			return "", err
		}
		res, err := apply()
		if err != nil {
			return "", err
		}
		if !res.Applied() {
			s.Notice("This report was already processed.")
		}
		return advance(ctx, s)
	}
	return session.Flow{
		Name:  flowModeration,
		First: "reviewing",
		Steps: map[string]session.Step{
			"reviewing": {
				Accepts: session.KindSelection,
				Prompt: func(s session.State) session.Reply {
					idx := s.Get("idx")
					total, _ := strconv.Atoi(s.Get("total"))
					n, _ := strconv.Atoi(idx)
					actions := []delivery.Action{
						{Label: "Approve", ID: modAction + idx + "_approve"},
						{Label: "Reject", ID: modAction + idx + "_reject"},
					}
					if n+1 < total {
						actions = append(actions, delivery.Action{Label: "Next", ID: modAction + idx + "_next", Row: 1})
					}
					return session.Reply{
						Text:     fmt.Sprintf("Report %d of %d from %s", n+1, total, s.Get("volunteer_id")),
						Actions:  actions,
						ImageRef: s.Get("image_ref"),
					}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					rest, ok := strings.CutPrefix(in.Selection, modAction+s.Get("idx")+"_")
					if !ok {
						return "", session.Reprompt("That report is no longer on screen.")
					}
					switch rest {
					case "approve":
						return "awaiting_rating", nil
					case "reject":
						return "awaiting_reject_reason", nil
					case "next":
						n, _ := strconv.Atoi(s.Get("idx"))
						s.Set("idx", strconv.Itoa(n+1))
						return advance(ctx, s)
					}
					return "", session.Reprompt("Unknown action.")
				},
			},
			"awaiting_rating": {
				Accepts: session.KindSelection,
				Prompt: func(s session.State) session.Reply {
					idx := s.Get("idx")
					var actions []delivery.Action
					for n := 1; n <= 5; n++ {
						actions = append(actions, delivery.Action{Label: strconv.Itoa(n), ID: modRate + idx + "_" + strconv.Itoa(n)})
					}
					actions = append(actions, delivery.Action{Label: "Skip rating", ID: modRate + idx + "_skip", Row: 1})
					return session.Reply{Text: "Rate the work from 1 to 5.", Actions: actions}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					rest, ok := strings.CutPrefix(in.Selection, modRate+s.Get("idx")+"_")
					if !ok {
						return "", session.Reprompt("Pick a rating.")
					}
					opts := engine.ApproveOptions{PhotoID: s.Get("photo_id"), ModeratorID: s.UserID}
					if rest != "skip" {
						n, err := strconv.Atoi(rest)
						if err != nil || n < 1 || n > 5 {
							return "", session.Reprompt("Pick a rating.")
						}
						opts.Rating = &n
					}
					return decide(ctx, s, func() (engine.ModerationResult, error) {
						return r.Engine.Approve(ctx, opts)
					})
				},
			},
			"awaiting_reject_reason": {
				Accepts: session.KindText,
				Prompt: func(session.State) session.Reply {
					return session.Reply{Text: "Why is the report rejected?"}
				},
				Handle: func(ctx context.Context, s *session.State, in session.Input) (string, error) {
					reason := strings.TrimSpace(in.Text)
					if reason == "" {
						return "", session.Reprompt("A reason is required.")
					}
					return decide(ctx, s, func() (engine.ModerationResult, error) {
						return r.Engine.Reject(ctx, engine.RejectOptions{PhotoID: s.Get("photo_id"), ModeratorID: s.UserID, Reason: reason})
					})
				},
			},
		},
		Finish: func(ctx context.Context, s session.State) (session.Reply, error) {
			return session.Reply{Text: "The moderation queue is empty."}, nil
		},
	}
}
