package internal

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
)

// this model holds the bubbletea state for the chat client: the input, the
// message log for the open room, and the websocket connection.
type TUIModel struct {
	textInput textinput.Model
	serverURL string
	username  string
	password  string
	register  bool

	mode    appMode
	conn    *websocket.Conn
	writeMu sync.Mutex

	connected bool
	authed    bool
	connErr   error

	room      string
	roomTitle string
	roomIsDM  bool
	records   []chatRecord
	rooms     []roomSummary
	roster    []presenceEntry
	reads     map[string]int64
	unread    map[string]int

	typingFrom     string
	typingAt       time.Time
	lastTypingSent time.Time
	versionChecked bool
	notices        []string
}

// chatRecord is one rendered line of the open room.
type chatRecord struct {
	id      int64
	from    string
	kind    string
	body    string
	ts      int64
	replyTo *int64
	edited  bool
	deleted bool
	system  bool
}

// serverEvent is the superset of every frame the server can push; Type
// selects which fields carry meaning. Optional payload fields are pointers
// so null survives decoding.
type serverEvent struct {
	Type    string          `json:"type"`
	Room    string          `json:"room"`
	User    string          `json:"user"`
	From    string          `json:"from"`
	Title   string          `json:"title"`
	Owner   string          `json:"owner"`
	Old     string          `json:"old"`
	New     string          `json:"new"`
	Kind    string          `json:"kind"`
	Mime    string          `json:"mime"`
	ID      int64           `json:"id"`
	UpTo    int64           `json:"up_to"`
	Ts      int64           `json:"ts"`
	Size    int64           `json:"size"`
	DM      bool            `json:"dm"`
	Public  bool            `json:"public"`
	Edited  bool            `json:"edited"`
	Deleted bool            `json:"deleted"`
	Text    *string         `json:"text"`
	Name    *string         `json:"name"`
	Avatar  *string         `json:"avatar"`
	ReplyTo *int64          `json:"reply_to"`
	Items   json.RawMessage `json:"items"`
	Users   []presenceEntry `json:"users"`
}

// these are bubbletea messages for asynchronous events: dialing, inbound
// frames, and failures.
type (
	connectedMsg     struct{}
	eventMsg         serverEvent
	noticeMsg        string
	errorMsg         error
	connectFailedMsg struct{ err error }
	reconnectMsg     struct{}
	typingExpiredMsg struct{}
)

type appMode int

const (
	modeMenu appMode = iota
	modeNamePrompt
	modePasswordPrompt
	modeChat
)

var (
	appTitleStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	subtitleStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("110")).MarginTop(1)
	menuBoxStyle       = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(1, 2).MarginTop(1)
	menuItemStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("255")).PaddingLeft(1)
	menuHotkeyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true)
	menuHintStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).MarginTop(1)
	noticeBoxStyle     = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderForeground(lipgloss.Color("95")).Padding(1, 2).MarginTop(1)
	chatHeaderStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).MarginTop(1)
	connectedStyle     = statusStyle.Copy().Foreground(lipgloss.Color("42")).Bold(true)
	connectingStyle    = statusStyle.Copy().Foreground(lipgloss.Color("178")).Italic(true)
	messageBodyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	messageBoxStyle    = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("60")).Padding(1, 2).MarginTop(1)
	inputBoxStyle      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1).MarginTop(1)
	timestampStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	usernameStyle      = lipgloss.NewStyle().Bold(true)
	activeUserStyle    = usernameStyle.Copy().Foreground(lipgloss.Color("213"))
	systemMessageStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Italic(true)
	errorStyle         = statusStyle.Copy().Foreground(lipgloss.Color("196")).Bold(true)
	rosterStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("109"))
	dividerStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("237")).Render(" ┃ ")
	userColorPalette   = []lipgloss.Color{
		lipgloss.Color("45"),
		lipgloss.Color("81"),
		lipgloss.Color("141"),
		lipgloss.Color("98"),
		lipgloss.Color("63"),
		lipgloss.Color("135"),
		lipgloss.Color("32"),
	}
)

// this constructor builds a fresh client model sitting on the login menu.
func NewTUIModel(serverURL, username string) *TUIModel {
	input := textinput.New()
	input.CharLimit = 0

	if username == "" {
		username = defaultUsername()
	}

	return &TUIModel{
		textInput: input,
		serverURL: serverURL,
		username:  username,
		mode:      modeMenu,
		records:   make([]chatRecord, 0, 64),
		reads:     make(map[string]int64),
		unread:    make(map[string]int),
	}
}

func defaultUsername() string {
	if user := os.Getenv("CLINCHAT_USER"); user != "" {
		return user
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return ""
}

func (model *TUIModel) Init() tea.Cmd {
	return nil
}

// update reacts to key presses and asynchronous events to drive the
// application state.
func (model *TUIModel) Update(message tea.Msg) (tea.Model, tea.Cmd) {
	switch typedMessage := message.(type) {
	case tea.KeyMsg:
		if typedMessage.Type == tea.KeyCtrlC {
			model.closeConn()
			return model, tea.Quit
		}
		switch model.mode {
		case modeMenu:
			return model.updateMenu(typedMessage)
		case modeNamePrompt:
			return model.updateNamePrompt(typedMessage)
		case modePasswordPrompt:
			return model.updatePasswordPrompt(typedMessage)
		default:
			return model.updateChat(typedMessage)
		}

	case connectedMsg:
		model.connected = true
		model.connErr = nil
		auth := "login"
		if model.register {
			auth = "register"
		}
		// authenticate as soon as the socket is up, then start the read chain
		return model, tea.Batch(
			model.sendCmd(map[string]any{"type": auth, "username": model.username, "password": model.password}),
			model.readOnceCmd(),
		)

	case eventMsg:
		cmd := model.applyEvent(serverEvent(typedMessage))
		return model, tea.Batch(cmd, model.readOnceCmd())

	case noticeMsg:
		model.systemLine(string(typedMessage))
		return model, nil

	case errorMsg:
		model.connected = false
		model.authed = false
		model.connErr = typedMessage
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case connectFailedMsg:
		model.connErr = typedMessage.err
		if model.mode == modeChat {
			return model, model.scheduleReconnect()
		}
		return model, nil

	case reconnectMsg:
		if model.mode == modeChat && !model.connected {
			return model, model.connectCmd()
		}
		return model, nil

	case typingExpiredMsg:
		if time.Since(model.typingAt) >= 3*time.Second {
			model.typingFrom = ""
		}
		return model, nil
	}
	return model, nil
}

func (model *TUIModel) updateMenu(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.String() {
	case "1", "l", "L":
		model.register = false
		return model, model.enterNamePrompt()
	case "2", "r", "R":
		model.register = true
		return model, model.enterNamePrompt()
	case "3", "q", "Q", "esc":
		return model, tea.Quit
	}
	return model, nil
}

func (model *TUIModel) enterNamePrompt() tea.Cmd {
	model.mode = modeNamePrompt
	model.textInput.SetValue(model.username)
	model.textInput.Placeholder = "Enter username…"
	model.textInput.Prompt = "name> "
	model.textInput.EchoMode = textinput.EchoNormal
	return model.textInput.Focus()
}

func (model *TUIModel) updateNamePrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.notices = append(model.notices, "Username cannot be empty.")
			return model, nil
		}
		model.username = trimmed
		model.mode = modePasswordPrompt
		model.textInput.SetValue("")
		model.textInput.Placeholder = "Enter password…"
		model.textInput.Prompt = "pass> "
		model.textInput.EchoMode = textinput.EchoPassword
		model.textInput.EchoCharacter = '•'
		return model, model.textInput.Focus()
	case tea.KeyEsc:
		model.mode = modeMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updatePasswordPrompt(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch key.Type {
	case tea.KeyEnter:
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			model.notices = append(model.notices, "Password cannot be empty.")
			return model, nil
		}
		model.password = trimmed
		model.mode = modeChat
		model.textInput.SetValue("")
		model.textInput.Placeholder = "Type a message or /help…"
		model.textInput.Prompt = "> "
		model.textInput.EchoMode = textinput.EchoNormal
		return model, tea.Batch(model.textInput.Focus(), model.connectCmd())
	case tea.KeyEsc:
		model.mode = modeMenu
		model.textInput.SetValue("")
		model.textInput.Blur()
		return model, nil
	}
	var cmd tea.Cmd
	model.textInput, cmd = model.textInput.Update(key)
	return model, cmd
}

func (model *TUIModel) updateChat(key tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Type == tea.KeyEnter {
		trimmed := strings.TrimSpace(model.textInput.Value())
		if trimmed == "" {
			return model, nil
		}
		model.textInput.SetValue("")
		if strings.HasPrefix(trimmed, "/") {
			return model, model.handleCommand(trimmed)
		}
		if model.room == "" {
			model.systemLine("Join a room first: /rooms to list, /join <room> to enter.")
			return model, nil
		}
		if !model.connected {
			model.systemLine("Not connected.")
			return model, nil
		}
		return model, model.sendCmd(map[string]any{"type": "text", "room": model.room, "text": trimmed})
	}

	var command tea.Cmd
	model.textInput, command = model.textInput.Update(key)
	if model.authed && model.room != "" && time.Since(model.lastTypingSent) > 2*time.Second {
		model.lastTypingSent = time.Now()
		return model, tea.Batch(command, model.sendCmd(map[string]any{"type": "typing", "room": model.room}))
	}
	return model, command
}

// handleCommand runs one slash command typed into the chat input.
func (model *TUIModel) handleCommand(input string) tea.Cmd {
	fields := strings.Fields(input)
	name := strings.ToLower(fields[0])
	rest := strings.TrimSpace(strings.TrimPrefix(input, fields[0]))

	switch name {
	case "/quit", "/exit":
		model.closeConn()
		return tea.Quit

	case "/help":
		model.systemLine("Commands: /rooms /join <room> /create <room> [private] /dm <user> /invite <user> /rename <title> /avatar <dataurl|none> /delroom /edit <id> <text> /del <id> /file <path> /files [dir] /quit")
		return nil

	case "/rooms":
		return model.sendCmd(map[string]any{"type": "list_rooms"})

	case "/join":
		if rest == "" {
			model.systemLine("Usage: /join <room>")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "join", "room": rest})

	case "/create":
		if rest == "" {
			model.systemLine("Usage: /create <room> [private]")
			return nil
		}
		public := true
		if strings.HasSuffix(rest, " private") {
			rest = strings.TrimSpace(strings.TrimSuffix(rest, " private"))
			public = false
		}
		return model.sendCmd(map[string]any{"type": "create_room", "room": rest, "public": public})

	case "/dm":
		if rest == "" {
			model.systemLine("Usage: /dm <user>")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "dm_open", "user": rest})

	case "/invite":
		if model.room == "" || rest == "" {
			model.systemLine("Usage: /invite <user> (inside a room you own)")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "invite", "room": model.room, "user": rest})

	case "/rename":
		if model.room == "" || rest == "" {
			model.systemLine("Usage: /rename <new title> (inside a room you own)")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "rename_room", "room": model.room, "title": rest})

	case "/avatar":
		if model.room == "" || rest == "" {
			model.systemLine("Usage: /avatar <dataurl|none> (inside a room you own)")
			return nil
		}
		var avatar any
		if rest != "none" {
			avatar = rest
		}
		return model.sendCmd(map[string]any{"type": "set_room_avatar", "room": model.room, "avatar": avatar})

	case "/delroom":
		if model.room == "" {
			model.systemLine("Join the room you want to delete first.")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "delete_room", "room": model.room})

	case "/edit":
		if model.room == "" || len(fields) < 3 {
			model.systemLine("Usage: /edit <id> <new text>")
			return nil
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			model.systemLine("Message id must be a number.")
			return nil
		}
		text := strings.TrimSpace(strings.TrimPrefix(rest, fields[1]))
		return model.sendCmd(map[string]any{"type": "edit_msg", "room": model.room, "id": id, "text": text})

	case "/del":
		if model.room == "" || len(fields) < 2 {
			model.systemLine("Usage: /del <id>")
			return nil
		}
		id, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			model.systemLine("Message id must be a number.")
			return nil
		}
		return model.sendCmd(map[string]any{"type": "delete_msg", "room": model.room, "id": id})

	case "/file":
		if model.room == "" || rest == "" {
			model.systemLine("Usage: /file <path> (inside a room)")
			return nil
		}
		return model.sendFileCmd(rest)

	case "/files":
		dir := rest
		if dir == "" {
			dir = defaultBrowsePath()
		}
		return listFilesCmd(dir)
	}

	model.systemLine("Unknown command. Try /help.")
	return nil
}

// sendFileCmd reads a local file and ships it as a base64 file message.
func (model *TUIModel) sendFileCmd(path string) tea.Cmd {
	room := model.room
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return noticeMsg(fmt.Sprintf("Cannot read %s: %v", path, err))
		}
		sniff := data
		if len(sniff) > 512 {
			sniff = sniff[:512]
		}
		mime := http.DetectContentType(sniff)
		payload := map[string]any{
			"type": "file",
			"room": room,
			"name": filepath.Base(path),
			"mime": mime,
			"size": len(data),
			"data": base64.StdEncoding.EncodeToString(data),
		}
		return model.sendCmd(payload)()
	}
}

// applyEvent folds one server frame into the model and may produce a
// follow-up command (auto read receipts, room list refresh after login).
func (model *TUIModel) applyEvent(ev serverEvent) tea.Cmd {
	switch ev.Type {
	case "auth_ok":
		model.authed = true
		model.systemLine(fmt.Sprintf("Logged in as %s.", ev.User))
		cmds := []tea.Cmd{model.sendCmd(map[string]any{"type": "list_rooms"})}
		if model.room != "" {
			// rejoin after a reconnect
			cmds = append(cmds, model.sendCmd(map[string]any{"type": "join", "room": model.room}))
		}
		if !model.versionChecked {
			model.versionChecked = true
			cmds = append(cmds, model.checkVersionCmd())
		}
		return tea.Batch(cmds...)

	case "error":
		text := "server error"
		if ev.Text != nil {
			text = *ev.Text
		}
		model.systemLine("Error: " + text)
		return nil

	case "rooms":
		var items []roomSummary
		if err := json.Unmarshal(ev.Items, &items); err == nil {
			model.rooms = items
			names := lo.Map(items, func(r roomSummary, _ int) string {
				label := r.Room
				if r.DM {
					label = "dm with " + r.Title
				} else if !r.Public {
					label += " (private)"
				}
				return label
			})
			model.systemLine("Rooms: " + strings.Join(names, ", "))
		}
		return nil

	case "room_created":
		model.upsertRoom(ev)
		label := ev.Room
		if ev.DM {
			label = "dm with " + ev.Title
		}
		model.systemLine("Room available: " + label)
		return nil

	case "joined":
		model.room = ev.Room
		model.roomTitle = ev.Room
		model.roomIsDM = isDMRoom(ev.Room)
		model.records = model.records[:0]
		model.roster = nil
		model.reads = make(map[string]int64)
		delete(model.unread, ev.Room)
		return nil

	case "history":
		var items []messageEvent
		if err := json.Unmarshal(ev.Items, &items); err != nil {
			return nil
		}
		model.records = model.records[:0]
		for _, item := range items {
			model.records = append(model.records, recordFromEvent(item))
		}
		if len(items) > 0 {
			last := items[len(items)-1].ID
			return model.sendCmd(map[string]any{"type": "mark_read", "room": model.room, "up_to": last})
		}
		return nil

	case "room_info":
		if ev.Room == model.room || ev.Name != nil && *ev.Name == model.room {
			if ev.Title != "" {
				model.roomTitle = ev.Title
			}
			model.roomIsDM = ev.DM
		}
		model.upsertRoom(ev)
		return nil

	case "presence":
		if ev.Room == "" || ev.Room == model.room {
			model.roster = ev.Users
		}
		return nil

	case "invited":
		model.systemLine(fmt.Sprintf("Invited %s to %s.", ev.User, ev.Room))
		return nil

	case "room_renamed":
		if model.room == ev.Old {
			model.room = ev.New
			model.roomTitle = ev.New
		}
		model.systemLine(fmt.Sprintf("Room %s is now %s.", ev.Old, ev.New))
		return nil

	case "room_avatar":
		model.systemLine("Room avatar updated.")
		return nil

	case "room_deleted":
		if model.room == ev.Room {
			model.room = ""
			model.roomTitle = ""
			model.roster = nil
		}
		model.systemLine(fmt.Sprintf("Room %s was deleted.", ev.Room))
		return nil

	case "read":
		if ev.Room == model.room {
			model.reads[ev.User] = ev.UpTo
		}
		return nil

	case "typing":
		if ev.Room == model.room && ev.From != model.username {
			model.typingFrom = ev.From
			model.typingAt = time.Now()
			return tea.Tick(3*time.Second, func(time.Time) tea.Msg {
				return typingExpiredMsg{}
			})
		}
		return nil

	case "text", "file":
		if ev.Room != model.room {
			model.unread[ev.Room]++
			return nil
		}
		model.records = append(model.records, recordFromServerEvent(ev))
		if ev.From != model.username {
			return model.sendCmd(map[string]any{"type": "mark_read", "room": model.room, "up_to": ev.ID})
		}
		return nil

	case "edited":
		if ev.Room == model.room {
			if rec := model.findRecord(ev.ID); rec != nil {
				if ev.Text != nil {
					rec.body = *ev.Text
				}
				rec.edited = true
			}
		}
		return nil

	case "deleted":
		if ev.Room == model.room {
			if rec := model.findRecord(ev.ID); rec != nil {
				rec.deleted = true
			}
		}
		return nil
	}
	return nil
}

func (model *TUIModel) upsertRoom(ev serverEvent) {
	summary := roomSummary{Room: ev.Room, Public: ev.Public, Owner: ev.Owner, Title: ev.Title, DM: ev.DM, Avatar: ev.Avatar}
	if ev.Name != nil {
		summary.Name = *ev.Name
	}
	for i, existing := range model.rooms {
		if existing.Room == summary.Room {
			model.rooms[i] = summary
			return
		}
	}
	model.rooms = append(model.rooms, summary)
}

func (model *TUIModel) findRecord(id int64) *chatRecord {
	for i := range model.records {
		if model.records[i].id == id && !model.records[i].system {
			return &model.records[i]
		}
	}
	return nil
}

func (model *TUIModel) systemLine(body string) {
	model.records = append(model.records, chatRecord{system: true, body: body, ts: time.Now().Unix()})
}

func recordFromEvent(item messageEvent) chatRecord {
	rec := chatRecord{
		id:      item.ID,
		from:    item.From,
		kind:    item.Kind,
		ts:      item.Ts,
		replyTo: item.ReplyTo,
		edited:  item.Edited,
		deleted: item.Deleted,
	}
	switch item.Kind {
	case kindFile:
		name := "file"
		if item.Name != nil && *item.Name != "" {
			name = *item.Name
		}
		var size int64
		if item.Size != nil {
			size = *item.Size
		}
		rec.body = fmt.Sprintf("[file] %s (%s, %s)", name, item.Mime, formatFileSize(size))
	default:
		if item.Text != nil {
			rec.body = *item.Text
		}
	}
	return rec
}

func recordFromServerEvent(ev serverEvent) chatRecord {
	rec := chatRecord{
		id:      ev.ID,
		from:    ev.From,
		kind:    ev.Kind,
		ts:      ev.Ts,
		replyTo: ev.ReplyTo,
		edited:  ev.Edited,
		deleted: ev.Deleted,
	}
	switch ev.Kind {
	case kindFile:
		name := "file"
		if ev.Name != nil && *ev.Name != "" {
			name = *ev.Name
		}
		rec.body = fmt.Sprintf("[file] %s (%s, %s)", name, ev.Mime, formatFileSize(ev.Size))
	default:
		if ev.Text != nil {
			rec.body = *ev.Text
		}
	}
	return rec
}

// the view renders the menu, the auth prompts, or the chat screen.
func (model TUIModel) View() string {
	switch model.mode {
	case modeMenu:
		return model.renderMenuView()
	case modeNamePrompt, modePasswordPrompt:
		return model.renderPromptView()
	default:
		return model.renderChatView()
	}
}

func (model TUIModel) renderMenuView() string {
	title := appTitleStyle.Render("ClinChat")
	subtitle := subtitleStyle.Render("Rooms, direct messages, and files in your terminal")

	options := []string{
		renderMenuOption("1", "Log in"),
		renderMenuOption("2", "Register"),
		renderMenuOption("3", "Quit"),
	}

	viewSections := []string{
		lipgloss.JoinVertical(lipgloss.Left, title, subtitle),
		menuBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, options...)),
	}

	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, menuHintStyle.Render("Press 1, 2, or 3 to choose an option."))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderPromptView() string {
	title := appTitleStyle.Render("Log in")
	hint := menuHintStyle.Render("Enter your username, then your password.")
	if model.register {
		title = appTitleStyle.Render("Register")
		hint = menuHintStyle.Render("Pick a username and password for the new account.")
	}

	viewSections := []string{title, hint}
	if notices := model.renderNotices(); notices != "" {
		viewSections = append(viewSections, notices)
	}
	viewSections = append(viewSections, inputBoxStyle.Render(model.textInput.View()))

	return lipgloss.JoinVertical(lipgloss.Left, viewSections...)
}

func (model TUIModel) renderChatView() string {
	roomLabel := model.roomTitle
	if roomLabel == "" {
		roomLabel = "(no room)"
	}
	if model.roomIsDM {
		roomLabel = "dm with " + roomLabel
	}
	headerSegments := []string{
		"ClinChat",
		fmt.Sprintf("Room %s", roomLabel),
		fmt.Sprintf("User %s", model.username),
		fmt.Sprintf("Server %s", model.serverURL),
	}
	header := chatHeaderStyle.Render(strings.Join(headerSegments, dividerStyle))

	var statusLine string
	switch {
	case model.connErr != nil && !model.connected:
		statusLine = errorStyle.Render("Connection error: " + model.connErr.Error())
	case model.connected && model.authed:
		statusLine = connectedStyle.Render("Connected")
	default:
		statusLine = connectingStyle.Render("Connecting…")
	}
	if pending := model.unreadSummary(); pending != "" {
		statusLine = lipgloss.JoinHorizontal(lipgloss.Left, statusLine, dividerStyle, rosterStyle.Render(pending))
	}

	var messageLines []string
	for _, rec := range model.records {
		messageLines = append(messageLines, model.renderRecord(rec))
	}
	if len(messageLines) == 0 {
		messageLines = append(messageLines, systemMessageStyle.Render("No messages yet. /rooms lists rooms, /join enters one."))
	}

	messagesView := messageBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, messageLines...))
	inputView := inputBoxStyle.Render(model.textInput.View())
	footerHint := menuHintStyle.Render("Type /help for commands.")

	sections := []string{header, statusLine, messagesView}
	if roster := model.renderRoster(); roster != "" {
		sections = append(sections, roster)
	}
	if model.typingFrom != "" && time.Since(model.typingAt) < 3*time.Second {
		sections = append(sections, systemMessageStyle.Render(model.typingFrom+" is typing…"))
	}
	sections = append(sections, inputView, footerHint)

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (model TUIModel) renderRoster() string {
	if len(model.roster) == 0 {
		return ""
	}
	parts := lo.Map(model.roster, func(entry presenceEntry, _ int) string {
		if entry.Status == "online" {
			return entry.Name
		}
		return entry.Name + " (offline)"
	})
	line := "online: " + strings.Join(parts, ", ")
	if reads := model.renderReads(); reads != "" {
		line = line + dividerStyle + reads
	}
	return rosterStyle.Render(line)
}

func (model TUIModel) renderReads() string {
	if len(model.reads) == 0 {
		return ""
	}
	users := lo.Keys(model.reads)
	slices.Sort(users)
	parts := lo.Map(users, func(user string, _ int) string {
		return fmt.Sprintf("%s@%d", user, model.reads[user])
	})
	return "read: " + strings.Join(parts, " ")
}

func (model TUIModel) unreadSummary() string {
	if len(model.unread) == 0 {
		return ""
	}
	rooms := lo.Keys(model.unread)
	slices.Sort(rooms)
	parts := lo.Map(rooms, func(room string, _ int) string {
		return fmt.Sprintf("%s(%d)", room, model.unread[room])
	})
	return "unread: " + strings.Join(parts, " ")
}

func renderMenuOption(hotkey string, label string) string {
	key := menuHotkeyStyle.Render(hotkey)
	return lipgloss.JoinHorizontal(lipgloss.Left, key, menuItemStyle.Render(label))
}

func (model TUIModel) renderNotices() string {
	if len(model.notices) == 0 {
		return ""
	}
	styled := lo.Map(model.notices, func(notice string, _ int) string {
		return systemMessageStyle.Render(notice)
	})
	return noticeBoxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, styled...))
}

func (model TUIModel) renderRecord(rec chatRecord) string {
	timestamp := timestampStyle.Render(fmt.Sprintf("[%s]", time.Unix(rec.ts, 0).Format("15:04:05")))
	if rec.system {
		return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", systemMessageStyle.Render(rec.body))
	}

	var nameStyle lipgloss.Style
	if rec.from == model.username {
		nameStyle = activeUserStyle
	} else {
		nameStyle = usernameStyle.Copy().Foreground(colorForUser(rec.from))
	}
	name := nameStyle.Render(rec.from)
	idTag := timestampStyle.Render(fmt.Sprintf("#%d", rec.id))

	var body string
	if rec.deleted {
		body = systemMessageStyle.Render("message deleted")
	} else {
		body = messageBodyStyle.Render(strings.ReplaceAll(rec.body, "\n", "\n   "))
		if rec.edited {
			body = lipgloss.JoinHorizontal(lipgloss.Left, body, timestampStyle.Render(" (edited)"))
		}
	}

	prefix := ""
	if rec.replyTo != nil {
		prefix = timestampStyle.Render(fmt.Sprintf("re #%d ", *rec.replyTo))
	}

	return lipgloss.JoinHorizontal(lipgloss.Left, timestamp, " ", idTag, " ", name, ": ", prefix, body)
}

func colorForUser(name string) lipgloss.Color {
	if len(userColorPalette) == 0 {
		return lipgloss.Color("249")
	}
	if name == "" {
		return userColorPalette[0]
	}
	var sum int
	for _, r := range name {
		sum += int(r)
	}
	return userColorPalette[sum%len(userColorPalette)]
}

// checkVersionCmd probes the server build once after login and surfaces a
// notice when it differs from this client. Probe failures stay quiet.
func (model *TUIModel) checkVersionCmd() tea.Cmd {
	serverURL := model.serverURL
	return func() tea.Msg {
		server, err := fetchServerVersion(serverURL)
		if err != nil {
			return nil
		}
		if notice := versionSkewNotice(server); notice != "" {
			return noticeMsg(notice)
		}
		return nil
	}
}

func (model *TUIModel) scheduleReconnect() tea.Cmd {
	const retryDelay = 2 * time.Second
	// tea.Tick instead of time.After so the delay lives in bubbletea's loop
	return tea.Tick(retryDelay, func(time.Time) tea.Msg {
		return reconnectMsg{}
	})
}

// this command dials the server and reports the outcome as a message.
func (model *TUIModel) connectCmd() tea.Cmd {
	return func() tea.Msg {
		dialURL, err := buildDialURL(model.serverURL)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		header := http.Header{}
		header.Set("User-Agent", "clinchat/"+Version)
		conn, _, err := websocket.DefaultDialer.Dial(dialURL, header)
		if err != nil {
			return connectFailedMsg{err: err}
		}
		model.conn = conn
		return connectedMsg{}
	}
}

// this command reads a single frame and converts it into a bubbletea
// message; update schedules it again to keep the chain going.
func (model *TUIModel) readOnceCmd() tea.Cmd {
	return func() tea.Msg {
		if model.conn == nil {
			return errorMsg(fmt.Errorf("websocket not connected"))
		}
		_, payload, err := model.conn.ReadMessage()
		if err != nil {
			return errorMsg(err)
		}
		var ev serverEvent
		if err := json.Unmarshal(payload, &ev); err != nil {
			return errorMsg(fmt.Errorf("bad frame from server: %w", err))
		}
		return eventMsg(ev)
	}
}

// this command encodes one envelope and writes it to the websocket.
func (model *TUIModel) sendCmd(payload map[string]any) tea.Cmd {
	return func() tea.Msg {
		if model.conn == nil {
			return errorMsg(fmt.Errorf("websocket not connected"))
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return errorMsg(err)
		}
		model.writeMu.Lock()
		err = model.conn.WriteMessage(websocket.TextMessage, encoded)
		model.writeMu.Unlock()
		if err != nil {
			return errorMsg(err)
		}
		return nil
	}
}

func (model *TUIModel) closeConn() {
	if model.conn == nil {
		return
	}
	_ = model.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	_ = model.conn.Close()
}

// RunClient launches the bubbletea program against the given server.
func RunClient(serverURL, username string) error {
	program := tea.NewProgram(NewTUIModel(serverURL, username))
	_, err := program.Run()
	return err
}

func buildDialURL(base string) (string, error) {
	parsed, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return "", fmt.Errorf("invalid scheme for websocket: %s", parsed.Scheme)
	}
	return parsed.String(), nil
}
