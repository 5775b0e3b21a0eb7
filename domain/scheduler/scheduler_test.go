package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"
)

func TestScheduler_IsRunning(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	// Initially should not be running
	if s.IsRunning() {
		t.Error("New scheduler should not be running")
	}

	s.mu.Lock()
	s.running = true
	s.mu.Unlock()

	if !s.IsRunning() {
		t.Error("Scheduler should be running after setting running=true")
	}

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	if s.IsRunning() {
		t.Error("Scheduler should not be running after setting running=false")
	}
}

func TestScheduler_StartStop(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !s.IsRunning() {
		t.Error("Scheduler should be running after Start")
	}

	// Second Start is a no-op
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Second Start failed: %v", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if s.IsRunning() {
		t.Error("Scheduler should not be running after Stop")
	}

	// Second Stop is a no-op
	if err := s.Stop(stopCtx); err != nil {
		t.Fatalf("Second Stop failed: %v", err)
	}
}

func TestScheduler_ListTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	// Initially should have no tasks
	tasks := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("New scheduler should have 0 tasks, got %d", len(tasks))
	}

	// Manually add task entries
	s.mu.Lock()
	s.tasks["task1"] = taskEntry{id: 1}
	s.tasks["task2"] = taskEntry{id: 2}
	s.mu.Unlock()

	tasks = s.ListTasks()
	if len(tasks) != 2 {
		t.Errorf("Expected 2 tasks, got %d", len(tasks))
	}

	// Check that both tasks are present
	hasTask1, hasTask2 := false, false
	for _, name := range tasks {
		if name == "task1" {
			hasTask1 = true
		}
		if name == "task2" {
			hasTask2 = true
		}
	}

	if !hasTask1 {
		t.Error("Expected task1 in list")
	}
	if !hasTask2 {
		t.Error("Expected task2 in list")
	}
}

func TestScheduler_ListTasks_Empty(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	tasks := s.ListTasks()
	if tasks == nil {
		t.Error("ListTasks should return non-nil slice")
	}
	if len(tasks) != 0 {
		t.Errorf("ListTasks should return empty slice, got %d items", len(tasks))
	}
}

func TestNewScheduler(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	if s == nil {
		t.Fatal("NewScheduler returned nil")
	}
	if s.cron == nil {
		t.Error("Scheduler cron should not be nil")
	}
	if s.tasks == nil {
		t.Error("Scheduler tasks map should not be nil")
	}
	if s.running {
		t.Error("New scheduler should not be running")
	}
}

func TestScheduler_GetTaskInfo_Empty(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	info := s.GetTaskInfo()
	if len(info) != 0 {
		t.Errorf("GetTaskInfo should return empty result, got %d items", len(info))
	}
}

func TestScheduler_GetTaskInfo_WithTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	err := s.AddCronTask("test-task", "@every 1h", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add cron task: %v", err)
	}

	info := s.GetTaskInfo()
	if len(info) != 1 {
		t.Fatalf("GetTaskInfo should return 1 item, got %d", len(info))
	}

	if info[0].Name != "test-task" {
		t.Errorf("TaskInfo.Name = %q, want %q", info[0].Name, "test-task")
	}
	// Schedule reports what the task was registered with
	if info[0].Schedule != "@every 1h" {
		t.Errorf("TaskInfo.Schedule = %q, want %q", info[0].Schedule, "@every 1h")
	}
}

func TestScheduler_GetTaskInfo_MultipleTasks(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	err := s.AddCronTask("task-a", "@every 30m", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task-a: %v", err)
	}

	err = s.AddIntervalTask("task-b", 15*time.Minute, dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task-b: %v", err)
	}

	info := s.GetTaskInfo()
	if len(info) != 2 {
		t.Fatalf("GetTaskInfo should return 2 items, got %d", len(info))
	}

	// Check both tasks are present (order is not guaranteed due to map iteration)
	schedules := make(map[string]string)
	for _, ti := range info {
		schedules[ti.Name] = ti.Schedule
	}

	if schedules["task-a"] != "@every 30m" {
		t.Errorf("task-a schedule = %q, want %q", schedules["task-a"], "@every 30m")
	}
	if schedules["task-b"] != "@every 15m0s" {
		t.Errorf("task-b schedule = %q, want %q", schedules["task-b"], "@every 15m0s")
	}
}

func TestScheduler_AddCronTask_ReplaceExisting(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	err := s.AddCronTask("task1", "@every 1h", dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}

	// Replace with a new task (same name)
	err = s.AddCronTask("task1", "@every 30m", dummyTask)
	if err != nil {
		t.Fatalf("Failed to replace task: %v", err)
	}

	tasks = s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task after replace, got %d", len(tasks))
	}

	info := s.GetTaskInfo()
	if len(info) != 1 || info[0].Schedule != "@every 30m" {
		t.Errorf("replacement should carry the new schedule, got %+v", info)
	}
}

func TestScheduler_AddIntervalTask_ReplaceExisting(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	err := s.AddIntervalTask("task1", 1*time.Hour, dummyTask)
	if err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	tasks := s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task, got %d", len(tasks))
	}

	// Replace with a new task (same name)
	err = s.AddIntervalTask("task1", 30*time.Minute, dummyTask)
	if err != nil {
		t.Fatalf("Failed to replace task: %v", err)
	}

	tasks = s.ListTasks()
	if len(tasks) != 1 {
		t.Fatalf("Expected 1 task after replace, got %d", len(tasks))
	}
}

func TestScheduler_AddCronTask_InvalidSchedule(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	err := s.AddCronTask("task1", "not a valid schedule", dummyTask)
	if err == nil {
		t.Error("Expected error for invalid schedule, got nil")
	}

	// Verify no task was added
	tasks := s.ListTasks()
	if len(tasks) != 0 {
		t.Errorf("Expected 0 tasks after failed add, got %d", len(tasks))
	}
}

func TestScheduler_RemoveTask(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	dummyTask := func(ctx context.Context) error {
		return nil
	}

	if err := s.AddIntervalTask("task1", time.Hour, dummyTask); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	s.RemoveTask("task1")
	if len(s.ListTasks()) != 0 {
		t.Error("Expected 0 tasks after remove")
	}

	// Removing a missing task is a no-op
	s.RemoveTask("task1")
}

func TestScheduler_RunNow(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	ran := 0
	task := func(ctx context.Context) error {
		ran++
		return nil
	}

	if err := s.AddIntervalTask("task1", time.Hour, task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	if err := s.RunNow(context.Background(), "task1"); err != nil {
		t.Fatalf("RunNow failed: %v", err)
	}
	if ran != 1 {
		t.Errorf("task ran %d times, want 1", ran)
	}

	if err := s.RunNow(context.Background(), "ghost"); err == nil {
		t.Error("RunNow for unknown task should error")
	}
}

func TestScheduler_RunNow_PropagatesError(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	boom := errors.New("boom")
	task := func(ctx context.Context) error {
		return boom
	}

	if err := s.AddIntervalTask("task1", time.Hour, task); err != nil {
		t.Fatalf("Failed to add task: %v", err)
	}

	if err := s.RunNow(context.Background(), "task1"); !errors.Is(err, boom) {
		t.Errorf("RunNow error = %v, want %v", err, boom)
	}
}

// =============================================================================
// Config Helper Functions Tests
// =============================================================================

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		setEnv     bool
		defaultVal bool
		want       bool
	}{
		{
			name:       "env not set returns default true",
			key:        "TEST_BOOL_NOT_SET",
			setEnv:     false,
			defaultVal: true,
			want:       true,
		},
		{
			name:       "env set to true",
			key:        "TEST_BOOL_TRUE",
			envValue:   "true",
			setEnv:     true,
			defaultVal: false,
			want:       true,
		},
		{
			name:       "env set to false",
			key:        "TEST_BOOL_FALSE",
			envValue:   "false",
			setEnv:     true,
			defaultVal: true,
			want:       false,
		},
		{
			name:       "env set to 1 (truthy)",
			key:        "TEST_BOOL_ONE",
			envValue:   "1",
			setEnv:     true,
			defaultVal: false,
			want:       true,
		},
		{
			name:       "env set to invalid value returns default",
			key:        "TEST_BOOL_INVALID",
			envValue:   "invalid",
			setEnv:     true,
			defaultVal: true,
			want:       true,
		},
		{
			name:       "env set to empty string returns default",
			key:        "TEST_BOOL_EMPTY",
			envValue:   "",
			setEnv:     true,
			defaultVal: false,
			want:       false,
		},
		{
			name:       "env set to TRUE (uppercase)",
			key:        "TEST_BOOL_UPPER",
			envValue:   "TRUE",
			setEnv:     true,
			defaultVal: false,
			want:       true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Clean up env var before and after test
			origVal, hadOrig := os.LookupEnv(tt.key)
			defer func() {
				if hadOrig {
					os.Setenv(tt.key, origVal)
				} else {
					os.Unsetenv(tt.key)
				}
			}()

			if tt.setEnv {
				os.Setenv(tt.key, tt.envValue)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvBool(tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnvBool(%q, %v) = %v, want %v", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name       string
		key        string
		envValue   string
		setEnv     bool
		defaultVal time.Duration
		want       time.Duration
	}{
		{
			name:       "env not set returns default",
			key:        "TEST_DUR_NOT_SET",
			setEnv:     false,
			defaultVal: 5 * time.Minute,
			want:       5 * time.Minute,
		},
		{
			name:       "env set to milliseconds",
			key:        "TEST_DUR_MS",
			envValue:   "1000",
			setEnv:     true,
			defaultVal: 0,
			want:       1 * time.Second,
		},
		{
			name:       "env set to zero",
			key:        "TEST_DUR_ZERO",
			envValue:   "0",
			setEnv:     true,
			defaultVal: time.Minute,
			want:       0,
		},
		{
			name:       "env set to large value (1 hour in ms)",
			key:        "TEST_DUR_HOUR",
			envValue:   "3600000",
			setEnv:     true,
			defaultVal: 0,
			want:       time.Hour,
		},
		{
			name:       "env set to invalid value returns default",
			key:        "TEST_DUR_INVALID",
			envValue:   "not-a-number",
			setEnv:     true,
			defaultVal: 10 * time.Second,
			want:       10 * time.Second,
		},
		{
			name:       "env set to 500ms",
			key:        "TEST_DUR_500",
			envValue:   "500",
			setEnv:     true,
			defaultVal: 0,
			want:       500 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			origVal, hadOrig := os.LookupEnv(tt.key)
			defer func() {
				if hadOrig {
					os.Setenv(tt.key, origVal)
				} else {
					os.Unsetenv(tt.key)
				}
			}()

			if tt.setEnv {
				os.Setenv(tt.key, tt.envValue)
			} else {
				os.Unsetenv(tt.key)
			}

			got := getEnvDuration(tt.key, tt.defaultVal)
			if got != tt.want {
				t.Errorf("getEnvDuration(%q, %v) = %v, want %v", tt.key, tt.defaultVal, got, tt.want)
			}
		})
	}
}

func TestNewConfig(t *testing.T) {
	// Save original env vars
	envVars := []string{
		"SCHEDULER_ENABLED",
		"RETENTION_SWEEP_INTERVAL_MS",
		"RECOVERY_INTERVAL_MS",
		"QUEUE_DEPTH_SAMPLE_INTERVAL_MS",
	}
	origVals := make(map[string]string)
	hadOrig := make(map[string]bool)

	for _, key := range envVars {
		val, exists := os.LookupEnv(key)
		origVals[key] = val
		hadOrig[key] = exists
	}

	// Restore original env vars after test
	defer func() {
		for _, key := range envVars {
			if hadOrig[key] {
				os.Setenv(key, origVals[key])
			} else {
				os.Unsetenv(key)
			}
		}
	}()

	t.Run("default values when no env vars set", func(t *testing.T) {
		for _, key := range envVars {
			os.Unsetenv(key)
		}

		cfg := NewConfig()

		if !cfg.Enabled {
			t.Error("Enabled should default to true")
		}
		if cfg.RetentionSweepInterval != 10*time.Minute {
			t.Errorf("RetentionSweepInterval = %v, want 10m", cfg.RetentionSweepInterval)
		}
		if cfg.RecoveryInterval != time.Minute {
			t.Errorf("RecoveryInterval = %v, want 1m", cfg.RecoveryInterval)
		}
		if cfg.QueueDepthInterval != 30*time.Second {
			t.Errorf("QueueDepthInterval = %v, want 30s", cfg.QueueDepthInterval)
		}
	})

	t.Run("custom values from env vars", func(t *testing.T) {
		os.Setenv("SCHEDULER_ENABLED", "false")
		os.Setenv("RETENTION_SWEEP_INTERVAL_MS", "60000")    // 1 minute
		os.Setenv("RECOVERY_INTERVAL_MS", "30000")           // 30 seconds
		os.Setenv("QUEUE_DEPTH_SAMPLE_INTERVAL_MS", "10000") // 10 seconds

		cfg := NewConfig()

		if cfg.Enabled {
			t.Error("Enabled should be false when SCHEDULER_ENABLED=false")
		}
		if cfg.RetentionSweepInterval != time.Minute {
			t.Errorf("RetentionSweepInterval = %v, want 1m", cfg.RetentionSweepInterval)
		}
		if cfg.RecoveryInterval != 30*time.Second {
			t.Errorf("RecoveryInterval = %v, want 30s", cfg.RecoveryInterval)
		}
		if cfg.QueueDepthInterval != 10*time.Second {
			t.Errorf("QueueDepthInterval = %v, want 10s", cfg.QueueDepthInterval)
		}
	})
}

func TestAddTask_CronOverridesInterval(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	task := func(ctx context.Context) error { return nil }

	// With cron schedule set, should register on the schedule
	err := addTask(s, "test_cron", "0 0 2 * * *", 5*time.Minute, task)
	if err != nil {
		t.Fatalf("addTask with cron schedule failed: %v", err)
	}

	info := s.GetTaskInfo()
	if len(info) != 1 {
		t.Fatalf("expected 1 task, got %d", len(info))
	}
	if info[0].Schedule != "0 0 2 * * *" {
		t.Errorf("schedule = %q, want the cron override", info[0].Schedule)
	}
}

func TestAddTask_FallbackToInterval(t *testing.T) {
	log := slog.Default()
	s := NewScheduler(log)

	task := func(ctx context.Context) error { return nil }

	// With empty cron schedule, should register on the interval
	err := addTask(s, "test_interval", "", 5*time.Minute, task)
	if err != nil {
		t.Fatalf("addTask with interval fallback failed: %v", err)
	}

	info := s.GetTaskInfo()
	if len(info) != 1 {
		t.Fatalf("expected 1 task, got %d", len(info))
	}
	if info[0].Schedule != "@every 5m0s" {
		t.Errorf("schedule = %q, want %q", info[0].Schedule, "@every 5m0s")
	}
}

func TestNewConfig_CronScheduleEnvVars(t *testing.T) {
	os.Setenv("RETENTION_SWEEP_SCHEDULE", "0 0 2 * * *")
	os.Setenv("RECOVERY_SCHEDULE", "0 */5 * * * *")
	os.Setenv("QUEUE_DEPTH_SCHEDULE", "*/30 * * * * *")
	defer func() {
		os.Unsetenv("RETENTION_SWEEP_SCHEDULE")
		os.Unsetenv("RECOVERY_SCHEDULE")
		os.Unsetenv("QUEUE_DEPTH_SCHEDULE")
	}()

	cfg := NewConfig()

	if cfg.RetentionSweepSchedule != "0 0 2 * * *" {
		t.Errorf("RetentionSweepSchedule = %q, want %q", cfg.RetentionSweepSchedule, "0 0 2 * * *")
	}
	if cfg.RecoverySchedule != "0 */5 * * * *" {
		t.Errorf("RecoverySchedule = %q, want %q", cfg.RecoverySchedule, "0 */5 * * * *")
	}
	if cfg.QueueDepthSchedule != "*/30 * * * * *" {
		t.Errorf("QueueDepthSchedule = %q, want %q", cfg.QueueDepthSchedule, "*/30 * * * * *")
	}
}

func TestNewConfig_DefaultCronScheduleEmpty(t *testing.T) {
	os.Unsetenv("RETENTION_SWEEP_SCHEDULE")
	os.Unsetenv("RECOVERY_SCHEDULE")
	os.Unsetenv("QUEUE_DEPTH_SCHEDULE")

	cfg := NewConfig()

	if cfg.RetentionSweepSchedule != "" {
		t.Errorf("RetentionSweepSchedule should be empty by default, got %q", cfg.RetentionSweepSchedule)
	}
	if cfg.RecoverySchedule != "" {
		t.Errorf("RecoverySchedule should be empty by default, got %q", cfg.RecoverySchedule)
	}
	if cfg.QueueDepthSchedule != "" {
		t.Errorf("QueueDepthSchedule should be empty by default, got %q", cfg.QueueDepthSchedule)
	}
}
