package migration

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
)

// Runner 是 migrate 子命令使用的迁移操作集合
type Runner interface {
	Up(ctx context.Context) error
	Down(ctx context.Context, n int) error
	Force(ctx context.Context, version int) error
	Version(ctx context.Context) (uint, bool, error)
	Status(ctx context.Context) ([]Status, error)
	Info(ctx context.Context) (*Info, error)
}

var _ Runner = (*Migrator)(nil)

// Run 执行 `fleetrpc migrate <command> [arg]`
//
//	up              应用全部迁移
//	down [n]        回滚 n 个迁移，默认 1，all 表示全部
//	force <version> 强制设置版本
//	version         打印当前版本
//	status          打印每个迁移的状态
func Run(ctx context.Context, r Runner, w io.Writer, command string, args []string) error {
	switch command {
	case "up":
		if err := r.Up(ctx); err != nil {
			return err
		}
		return printVersion(ctx, r, w)

	case "down":
		n := 1
		if len(args) > 0 {
			if args[0] == "all" {
				n = 0
			} else {
				v, err := strconv.Atoi(args[0])
				if err != nil || v <= 0 {
					return fmt.Errorf("down expects a positive step count or \"all\", got %q", args[0])
				}
				n = v
			}
		}
		if err := r.Down(ctx, n); err != nil {
			return err
		}
		return printVersion(ctx, r, w)

	case "force":
		if len(args) != 1 {
			return fmt.Errorf("force expects exactly one version")
		}
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid version %q: %w", args[0], err)
		}
		if err := r.Force(ctx, v); err != nil {
			return err
		}
		return printVersion(ctx, r, w)

	case "version":
		return printVersion(ctx, r, w)

	case "status":
		return printStatus(ctx, r, w)

	default:
		return fmt.Errorf("unknown migrate command %q (want up, down, force, version, status)", command)
	}
}

func printVersion(ctx context.Context, r Runner, w io.Writer) error {
	v, dirty, err := r.Version(ctx)
	if err != nil {
		return err
	}
	if v == 0 {
		_, err = fmt.Fprintln(w, "No migrations applied yet.")
		return err
	}
	suffix := ""
	if dirty {
		suffix = " (dirty)"
	}
	_, err = fmt.Fprintf(w, "Current version: %d%s\n", v, suffix)
	return err
}

func printStatus(ctx context.Context, r Runner, w io.Writer) error {
	statuses, err := r.Status(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tNAME\tSTATUS")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(tw, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	info, err := r.Info(ctx)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "\nTotal: %d, Applied: %d, Pending: %d\n", info.Total, info.Applied, info.Pending)
	return err
}
