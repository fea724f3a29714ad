package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sage-tutor/sage/internal/assistant"
	"github.com/sage-tutor/sage/internal/quiz"
	"github.com/sage-tutor/sage/internal/workflow"
)

// defaultQuizCount is how many questions "quiz" asks for when no count is
// given.
const defaultQuizCount = 5

func runChat(cmd *cobra.Command, _ []string) error {
	ctx, cancel, a, _, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cancel()
	defer a.Close()

	fmt.Println("sage - retrieval-augmented study assistant")
	fmt.Println("Type 'help' for commands, 'exit' to quit.")

	repl := &chatLoop{assistant: a, out: os.Stdout}
	return repl.run(ctx, bufio.NewScanner(os.Stdin))
}

// chatLoop holds the REPL's state: the current session and its quiz, if
// one is running.
type chatLoop struct {
	assistant *assistant.Assistant
	out       io.Writer

	sessionID string
	questions []quiz.View
	nextQ     int
}

func (c *chatLoop) run(ctx context.Context, in *bufio.Scanner) error {
	for {
		fmt.Fprint(c.out, "> ")
		if !in.Scan() {
			return in.Err()
		}
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(in.Text())
		if line == "" {
			continue
		}

		if c.quizActive() {
			if c.handleQuizAnswer(line) {
				continue
			}
		}

		cmdWord, rest, _ := strings.Cut(line, " ")
		switch strings.ToLower(cmdWord) {
		case "exit", "quit":
			return nil
		case "help":
			c.printHelp()
		case "upload":
			c.handleUpload(ctx, strings.TrimSpace(rest))
		case "status":
			c.handleStatus(ctx)
		case "quiz":
			c.handleQuizStart(ctx, strings.TrimSpace(rest))
		case "clear":
			c.handleClear()
		default:
			c.handleMessage(ctx, line)
		}
	}
}

func (c *chatLoop) printHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  upload <path>   - add a PDF or TXT document to the knowledge base")
	fmt.Fprintln(c.out, "  status          - show indexed documents and memory size")
	fmt.Fprintln(c.out, "  quiz [count]    - quiz yourself on the indexed material")
	fmt.Fprintln(c.out, "  clear           - start a fresh session")
	fmt.Fprintln(c.out, "  exit            - leave")
	fmt.Fprintln(c.out, "Anything else is sent to the assistant as a question.")
}

func (c *chatLoop) handleUpload(ctx context.Context, path string) {
	if path == "" {
		fmt.Fprintln(c.out, "usage: upload <path>")
		return
	}
	report, err := c.assistant.IngestDocument(ctx, path)
	if err != nil {
		fmt.Fprintf(c.out, "upload failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "indexed %s: %d chunks", report.Path, report.Chunks)
	if report.Pages > 0 {
		fmt.Fprintf(c.out, " from %d pages", report.Pages)
	}
	fmt.Fprintln(c.out)
}

func (c *chatLoop) handleStatus(ctx context.Context) {
	st, err := c.assistant.Status(ctx)
	if err != nil {
		fmt.Fprintf(c.out, "status failed: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "knowledge base: %d chunks", st.KnowledgeChunks)
	for _, typ := range []string{"pdf", "txt"} {
		if n := st.ByType[typ]; n > 0 {
			fmt.Fprintf(c.out, "  %s: %d", typ, n)
		}
	}
	fmt.Fprintln(c.out)
	fmt.Fprintf(c.out, "memory: %d turns\n", st.MemoryTurns)
	if st.MemoryWrites.Failed > 0 {
		fmt.Fprintf(c.out, "warning: %d memory writes failed (%s)\n",
			st.MemoryWrites.Failed, st.MemoryWrites.LastError)
	}
}

func (c *chatLoop) handleMessage(ctx context.Context, text string) {
	result, err := c.assistant.SendMessage(ctx, c.sessionID, text)
	if err != nil {
		switch {
		case errors.Is(err, workflow.ErrGenerationFailure):
			fmt.Fprintln(c.out, "the model is not responding right now, try again in a moment")
		default:
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
		return
	}
	c.sessionID = result.SessionID
	for _, warning := range result.Warnings {
		fmt.Fprintf(c.out, "note: %s\n", warning)
	}
	fmt.Fprintln(c.out, result.Reply)
}

func (c *chatLoop) quizActive() bool {
	return c.nextQ < len(c.questions)
}

func (c *chatLoop) handleQuizStart(ctx context.Context, arg string) {
	count := defaultQuizCount
	if arg != "" {
		n, err := strconv.Atoi(arg)
		if err != nil || n <= 0 {
			fmt.Fprintln(c.out, "usage: quiz [count]")
			return
		}
		count = n
	}

	if c.quizActive() {
		fmt.Fprintln(c.out, "replacing the active quiz")
	}
	sessionID, views, err := c.assistant.StartQuiz(ctx, c.sessionID, count)
	if err != nil {
		switch {
		case errors.Is(err, quiz.ErrNoQuestions):
			fmt.Fprintln(c.out, "the knowledge base is empty or no questions could be generated; upload documents first")
		default:
			fmt.Fprintf(c.out, "quiz failed: %v\n", err)
		}
		return
	}
	c.sessionID = sessionID
	c.questions = views
	c.nextQ = 0

	fmt.Fprintf(c.out, "quiz started: %d questions. Answer with A-D, or 'stop' to end early.\n", len(views))
	c.printQuestion()
}

func (c *chatLoop) printQuestion() {
	q := c.questions[c.nextQ]
	fmt.Fprintf(c.out, "\n%d) %s\n", c.nextQ+1, q.Stem)
	for i, option := range q.Options {
		fmt.Fprintf(c.out, "   %c) %s\n", 'A'+i, option)
	}
}

// handleQuizAnswer consumes a line while a quiz is running. It reports
// whether the line was handled.
func (c *chatLoop) handleQuizAnswer(line string) bool {
	upper := strings.ToUpper(strings.TrimSpace(line))
	if upper == "STOP" {
		c.finishQuiz()
		return true
	}
	if len(upper) != 1 || upper[0] < 'A' || upper[0] > 'D' {
		return false // not an answer, treat as a regular command
	}
	option := int(upper[0] - 'A')

	result, err := c.assistant.AnswerQuiz(c.sessionID, c.questions[c.nextQ].ID, option)
	if err != nil {
		fmt.Fprintf(c.out, "answer failed: %v\n", err)
		return true
	}
	if result.Correct {
		fmt.Fprintln(c.out, "correct!")
	} else {
		fmt.Fprintf(c.out, "incorrect. The answer was %c.\n", 'A'+result.CorrectOption)
	}

	c.nextQ++
	if c.quizActive() {
		c.printQuestion()
	} else {
		c.finishQuiz()
	}
	return true
}

func (c *chatLoop) finishQuiz() {
	c.questions = nil
	c.nextQ = 0

	summary, err := c.assistant.EndQuiz(c.sessionID)
	if err != nil {
		fmt.Fprintf(c.out, "quiz ended: %v\n", err)
		return
	}
	fmt.Fprintf(c.out, "quiz finished: %d/%d correct (%.0f%%)\n",
		summary.Score, summary.Answered, summary.Percent)
}

func (c *chatLoop) handleClear() {
	if c.sessionID != "" {
		c.assistant.ClearSession(c.sessionID)
	}
	c.sessionID = ""
	c.questions = nil
	c.nextQ = 0
	fmt.Fprintln(c.out, "session cleared")
}
