// Package scripting bridges simulated-player behavior to Lua. A fixture names
// a behavior; the Go side packs each bot's view of the game into a table and
// executes the command list the script returns.
package scripting

import (
	"fmt"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// Engine wraps a single gopher-lua VM. Single-goroutine access only (the sim
// runner's loop).
type Engine struct {
	vm  *lua.LState
	log *zap.Logger
}

// NewEngine creates a Lua engine and loads all scripts from the given
// directory. Each script defines behavior functions named bot_<behavior>.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})
	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log}
	if err := e.loadDir(scriptsDir); err != nil {
		vm.Close()
		return nil, fmt.Errorf("load bot scripts: %w", err)
	}
	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// HasBehavior reports whether a bot_<behavior> function is defined.
func (e *Engine) HasBehavior(behavior string) bool {
	return e.vm.GetGlobal("bot_"+behavior) != lua.LNil
}

// BotContext is one bot's view of the game at decision time.
type BotContext struct {
	PlayerNumber int
	Tick         int
	SubPhase     string // "checkin", "pregame", "game"
	Lat, Lng     float64
	CheckedIn    bool

	MeetingLat, MeetingLng float64

	ZoneCenterLat, ZoneCenterLng float64
	ZoneRadiusMeters             float64
	InZone                       bool

	// Target hint: 0 when the bot has no assignment yet.
	TargetNumber         int
	TargetLat, TargetLng float64
	TargetDistanceMeters float64
}

// BotCommand is a single action returned by a behavior script.
type BotCommand struct {
	Type string // "move", "checkin", "scan_checkin", "kill", "heartbeat", "idle"
	// Destination for "move"; scan position for the scan commands.
	Lat, Lng float64
	// Player number whose QR the bot presents or scans.
	ScanNumber int
}

// RunBot calls bot_<behavior>(ctx) and returns the commands it produced.
func (e *Engine) RunBot(behavior string, ctx BotContext) []BotCommand {
	fn := e.vm.GetGlobal("bot_" + behavior)
	if fn == lua.LNil {
		e.log.Error("lua behavior not found", zap.String("behavior", behavior))
		return nil
	}

	t := e.vm.NewTable()
	t.RawSetString("player_number", lua.LNumber(ctx.PlayerNumber))
	t.RawSetString("tick", lua.LNumber(ctx.Tick))
	t.RawSetString("sub_phase", lua.LString(ctx.SubPhase))
	t.RawSetString("lat", lua.LNumber(ctx.Lat))
	t.RawSetString("lng", lua.LNumber(ctx.Lng))
	t.RawSetString("checked_in", lua.LBool(ctx.CheckedIn))
	t.RawSetString("meeting_lat", lua.LNumber(ctx.MeetingLat))
	t.RawSetString("meeting_lng", lua.LNumber(ctx.MeetingLng))
	t.RawSetString("zone_lat", lua.LNumber(ctx.ZoneCenterLat))
	t.RawSetString("zone_lng", lua.LNumber(ctx.ZoneCenterLng))
	t.RawSetString("zone_radius_m", lua.LNumber(ctx.ZoneRadiusMeters))
	t.RawSetString("in_zone", lua.LBool(ctx.InZone))
	t.RawSetString("target_number", lua.LNumber(ctx.TargetNumber))
	t.RawSetString("target_lat", lua.LNumber(ctx.TargetLat))
	t.RawSetString("target_lng", lua.LNumber(ctx.TargetLng))
	t.RawSetString("target_dist_m", lua.LNumber(ctx.TargetDistanceMeters))

	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    1,
		Protect: true,
	}, t); err != nil {
		e.log.Error("lua behavior error",
			zap.String("behavior", behavior), zap.Error(err))
		return nil
	}

	result := e.vm.Get(-1)
	e.vm.Pop(1)

	rt, ok := result.(*lua.LTable)
	if !ok {
		return nil
	}

	var cmds []BotCommand
	rt.ForEach(func(_, v lua.LValue) {
		if row, ok := v.(*lua.LTable); ok {
			cmds = append(cmds, BotCommand{
				Type:       lStr(row, "type"),
				Lat:        lFloat(row, "lat"),
				Lng:        lFloat(row, "lng"),
				ScanNumber: lInt(row, "scan_number"),
			})
		}
	})
	return cmds
}

// lInt reads an integer field from a Lua table.
func lInt(t *lua.LTable, key string) int {
	return int(lua.LVAsNumber(t.RawGetString(key)))
}

// lFloat reads a float field from a Lua table.
func lFloat(t *lua.LTable, key string) float64 {
	return float64(lua.LVAsNumber(t.RawGetString(key)))
}

// lStr reads a string field from a Lua table.
func lStr(t *lua.LTable, key string) string {
	return lua.LVAsString(t.RawGetString(key))
}

// Close shuts down the Lua VM.
func (e *Engine) Close() {
	e.vm.Close()
}
