package models_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eduadmin/cashbook_backend/config"
	"github.com/eduadmin/cashbook_backend/models"
	"github.com/eduadmin/cashbook_backend/utils"
	"github.com/eduadmin/cashbook_backend/workflow"
	"github.com/shopspring/decimal"
)

// Full register lifecycle against real MySQL + Redis: seed fee types, commit
// receipts concurrently, record movements, close the day, verify the closed
// day rejects further mutations and re-closing.
func TestRegisterLifecycle(t *testing.T) {
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	ctx := context.Background()

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "cashbook_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	ctx = utils.SetUsernameInContext(ctx, "cashier@test")

	db := config.GetDB()
	tx := db.Begin()
	if _, err := models.CreateDefaultFeeTypes(tx, ctx); err != nil {
		t.Fatalf("CreateDefaultFeeTypes: %v", err)
	}
	if err := tx.Commit().Error; err != nil {
		t.Fatalf("commit seed: %v", err)
	}

	const day = "2025-01-15"
	date, err := utils.ParseDateString(day)
	if err != nil {
		t.Fatalf("ParseDateString: %v", err)
	}

	// Concurrent cash commits must end up with distinct, dense sequences.
	const committers = 10
	var wg sync.WaitGroup
	receiptCh := make(chan *models.Receipt, committers)
	errCh := make(chan error, committers)
	for i := 0; i < committers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipt, err := models.CreateReceipt(ctx, &models.NewReceipt{
				Date:           day,
				PaymentChannel: models.PaymentChannelCash,
				Items: []models.NewReceiptItem{
					{FeeTypeCode: "TUITION", Amount: decimal.NewFromInt(100)},
				},
				Remark: fmt.Sprintf("committer %d", i),
			}, "")
			if err != nil {
				errCh <- err
				return
			}
			receiptCh <- receipt
		}(i)
	}
	wg.Wait()
	close(receiptCh)
	close(errCh)
	for err := range errCh {
		t.Fatalf("CreateReceipt: %v", err)
	}

	seen := map[int64]bool{}
	for receipt := range receiptCh {
		if receipt.ReferencePrefix != "C01/25/R" {
			t.Fatalf("unexpected prefix %q", receipt.ReferencePrefix)
		}
		if seen[receipt.SequenceNo] {
			t.Fatalf("sequence %d allocated twice", receipt.SequenceNo)
		}
		seen[receipt.SequenceNo] = true
		want := fmt.Sprintf("C01/25/R%06d", receipt.SequenceNo)
		if receipt.ReceiptNumber != want {
			t.Fatalf("receipt number %q, want %q", receipt.ReceiptNumber, want)
		}
	}
	for seq := int64(1); seq <= committers; seq++ {
		if !seen[seq] {
			t.Fatalf("sequence %d missing; allocation left a gap", seq)
		}
	}

	// Preview after the commits proposes the next free number.
	prefix, next, err := models.PreviewNextReceipt(ctx, models.PaymentChannelCash, date)
	if err != nil {
		t.Fatalf("PreviewNextReceipt: %v", err)
	}
	if prefix != "C01/25/R" || next != committers+1 {
		t.Fatalf("preview = (%q, %d), want (C01/25/R, %d)", prefix, next, committers+1)
	}

	// Bank receipts draw from their own counter.
	bankReceipt, err := models.CreateReceipt(ctx, &models.NewReceipt{
		Date:           day,
		PaymentChannel: models.PaymentChannelBank,
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "EXAM", Amount: decimal.NewFromInt(250)},
		},
	}, "")
	if err != nil {
		t.Fatalf("CreateReceipt bank: %v", err)
	}
	if bankReceipt.ReceiptNumber != "B01/25/R000001" {
		t.Fatalf("bank receipt number %q, want B01/25/R000001", bankReceipt.ReceiptNumber)
	}

	// Replaying an idempotency key returns the original receipt.
	first, err := models.CreateReceipt(ctx, &models.NewReceipt{
		Date:           day,
		PaymentChannel: models.PaymentChannelCash,
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "LIB", Amount: decimal.NewFromInt(40)},
		},
	}, "submit-777")
	if err != nil {
		t.Fatalf("CreateReceipt idempotent: %v", err)
	}
	replay, err := models.CreateReceipt(ctx, &models.NewReceipt{
		Date:           day,
		PaymentChannel: models.PaymentChannelCash,
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "LIB", Amount: decimal.NewFromInt(40)},
		},
	}, "submit-777")
	if err != nil {
		t.Fatalf("CreateReceipt replay: %v", err)
	}
	if replay.ID != first.ID || replay.ReceiptNumber != first.ReceiptNumber {
		t.Fatalf("replay minted a new receipt: %s vs %s", replay.ReceiptNumber, first.ReceiptNumber)
	}

	// Cash out of the drawer: one deposit, one expense.
	if _, err := models.RecordCashMovement(ctx, &models.NewCashMovement{
		Date:          day,
		Type:          models.CashMovementTypeDeposit,
		Amount:        decimal.NewFromInt(500),
		ReferenceNote: "evening bank run",
	}); err != nil {
		t.Fatalf("RecordCashMovement deposit: %v", err)
	}
	if _, err := models.RecordCashMovement(ctx, &models.NewCashMovement{
		Date:   day,
		Type:   models.CashMovementTypeExpense,
		Amount: decimal.NewFromInt(60),
	}); err != nil {
		t.Fatalf("RecordCashMovement expense: %v", err)
	}

	// Cash receipts: 10x100 + 40 = 1040. Expected cash: 1040 - 500 - 60 = 480.
	expected, err := models.ComputeExpectedCash(ctx, date)
	if err != nil {
		t.Fatalf("ComputeExpectedCash: %v", err)
	}
	if !expected.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("expected cash %s, want 480", expected)
	}

	// Count 450 in the drawer: close with variance -30.
	tally := []models.NewTallyLine{
		{Denomination: 200, Quantity: 2},
		{Denomination: 50, Quantity: 1},
	}
	closing, err := workflow.CloseCashDay(ctx, date, tally)
	if err != nil {
		t.Fatalf("CloseCashDay: %v", err)
	}
	if !closing.Variance.Equal(decimal.NewFromInt(-30)) {
		t.Fatalf("variance %s, want -30", closing.Variance)
	}
	if !closing.ExpectedCash.Equal(decimal.NewFromInt(480)) {
		t.Fatalf("closing expected cash %s, want 480", closing.ExpectedCash)
	}

	// Re-closing is rejected.
	if _, err := workflow.CloseCashDay(ctx, date, tally); !errors.Is(err, utils.ErrAlreadyClosed) {
		t.Fatalf("second close: %v, want ErrAlreadyClosed", err)
	}

	// A closed day rejects new receipts and movements.
	if _, err := models.CreateReceipt(ctx, &models.NewReceipt{
		Date:           day,
		PaymentChannel: models.PaymentChannelCash,
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "MISC", Amount: decimal.NewFromInt(10)},
		},
	}, ""); !errors.Is(err, utils.ErrDateClosed) {
		t.Fatalf("receipt on closed day: %v, want ErrDateClosed", err)
	}
	if _, err := models.RecordCashMovement(ctx, &models.NewCashMovement{
		Date:   day,
		Type:   models.CashMovementTypeExpense,
		Amount: decimal.NewFromInt(5),
	}); !errors.Is(err, utils.ErrDateClosed) {
		t.Fatalf("movement on closed day: %v, want ErrDateClosed", err)
	}

	// Closed-day receipts can no longer be edited or removed.
	lateRemark := "late edit"
	if _, err := models.UpdateReceipt(ctx, first.ID, &models.UpdateReceiptInput{
		Remark: &lateRemark,
	}); !errors.Is(err, utils.ErrDateClosed) {
		t.Fatalf("update on closed day: %v, want ErrDateClosed", err)
	}
	if _, err := models.UpdateReceipt(ctx, first.ID, &models.UpdateReceiptInput{
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "LIB", Amount: decimal.NewFromInt(99)},
		},
	}); !errors.Is(err, utils.ErrDateClosed) {
		t.Fatalf("item edit on closed day: %v, want ErrDateClosed", err)
	}
	if _, err := models.DeleteReceipt(ctx, first.ID); !errors.Is(err, utils.ErrDateClosed) {
		t.Fatalf("delete on closed day: %v, want ErrDateClosed", err)
	}
	kept, err := models.GetReceipt(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetReceipt after rejected delete: %v", err)
	}
	if kept.Remark == lateRemark || !kept.TotalAmount.Equal(first.TotalAmount) {
		t.Fatal("rejected mutation altered a closed-day receipt")
	}

	// The next day is unaffected.
	if _, err := models.CreateReceipt(ctx, &models.NewReceipt{
		Date:           "2025-01-16",
		PaymentChannel: models.PaymentChannelCash,
		Items: []models.NewReceiptItem{
			{FeeTypeCode: "MISC", Amount: decimal.NewFromInt(10)},
		},
	}, ""); err != nil {
		t.Fatalf("receipt on next day: %v", err)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cashbook-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("cashbook-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=cashbook_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	// wait until ready
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	// Example: "127.0.0.1:49154\n"
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
