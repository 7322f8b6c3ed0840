package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"luma/internal/fatigue"
)

var (
	questionColor = color.New(color.FgCyan, color.Bold).SprintFunc()
	ackColor      = color.New(color.FgGreen).SprintFunc()
	hintColor     = color.New(color.FgHiBlack).SprintFunc()
	warnColor     = color.New(color.FgYellow).SprintFunc()
)

const fatigueCheckInterval = 3 // turns between fatigue check-ins

// runSession drives one interactive onboarding conversation on the terminal.
func runSession(app *app, userID string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	start, err := app.orch.StartOnboarding(ctx, userID)
	if err != nil {
		return err
	}
	if start.Completed {
		fmt.Println("You have already answered every question. Nothing left to ask!")
		return nil
	}

	if start.Resumed {
		fmt.Printf("Welcome back. Picking up where we left off (%d answered so far).\n\n", start.LifetimeAnswered)
	} else {
		fmt.Println("Welcome. Answer in your own words; there are no wrong answers.")
		fmt.Println(hintColor("Commands: /skip, /pause, /done"))
		fmt.Println()
	}

	reader := bufio.NewReader(os.Stdin)
	question := start.Question
	turn := 0

	for question != nil {
		if ctx.Err() != nil {
			break
		}

		fmt.Println(questionColor(question.Text))
		askedAt := time.Now()

		line, err := readLine(reader)
		if err != nil {
			break
		}

		switch strings.TrimSpace(line) {
		case "/done":
			return finishSession(app, userID)
		case "/pause":
			if err := app.orch.PauseSession(ctx, userID); err != nil {
				return err
			}
			fmt.Println("Session paused. Run the same command to resume any time.")
			return shutdown(app)
		case "/skip":
			ack, err := app.orch.SkipQuestion(ctx, userID, question.ID)
			if err != nil {
				return err
			}
			fmt.Println(ackColor(ack))
		case "":
			continue
		default:
			responseSeconds := time.Since(askedAt).Seconds()
			ack, err := app.orch.ProcessAnswer(ctx, userID, question.ID, line, responseSeconds)
			if err != nil {
				return err
			}
			fmt.Println(ackColor(ack))
		}
		fmt.Println()
		turn++

		if turn%fatigueCheckInterval == 0 {
			if !checkFatigue(ctx, app, userID) {
				return finishSession(app, userID)
			}
		}

		question, err = app.orch.GetNextQuestion(ctx, userID)
		if err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		fmt.Println()
		fmt.Println("Interrupted. Your answers are saved.")
		return shutdown(app)
	}

	fmt.Println("That was the last question.")
	return finishSession(app, userID)
}

// checkFatigue runs a fatigue check-in and asks the user whether to go on
// when a pause is recommended. Returns false when the session should end.
func checkFatigue(ctx context.Context, app *app, userID string) bool {
	cont, result, err := app.orch.ShouldContinueSession(ctx, userID)
	if err != nil {
		return true
	}
	if !cont {
		fmt.Println(warnColor("You've done a lot of reflecting today. Let's stop here and continue another time."))
		return false
	}
	if result.Level == fatigue.LevelMedium {
		fmt.Println(warnColor("We can take a break whenever you like (/pause)."))
	}
	return true
}

func finishSession(app *app, userID string) error {
	summary, err := app.orch.CompleteOnboarding(context.Background(), userID)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Printf("Session complete: %d answered, %d skipped in %s.\n",
		summary.Answered, summary.Skipped, summary.Duration.Round(time.Second))
	fmt.Printf("You've answered %d questions in total.\n", summary.LifetimeAnswered)
	return shutdown(app)
}

// shutdown gives in-flight analysis a bounded window to finish.
func shutdown(app *app) error {
	result := app.orch.Shutdown(app.cfg.Session.ShutdownTimeout)
	if result.Cancelled > 0 {
		fmt.Println(hintColor(fmt.Sprintf("(%d background analyses will be retried next time)", result.Cancelled)))
	}
	return nil
}

func readLine(reader *bufio.Reader) (string, error) {
	fmt.Print("> ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
