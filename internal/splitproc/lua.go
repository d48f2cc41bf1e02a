package splitproc

// ─────────────────────────────────────────────
// Lua Scripts for Atomic Redis Operations
// ─────────────────────────────────────────────

// LuaPublishJob creates a new job hash unless a job for the same task is
// already in flight (request collapsing).
//
// KEYS[1] = splitjob:{jobID}      (hash to create)
// KEYS[2] = inflight:{taskID}     (collapsing sentinel)
// KEYS[3] = splitjob:queue:pending (list)
// ARGV[1] = jobID
// ARGV[2] = taskID
// ARGV[3] = category
// ARGV[4] = subtask (JSON)
// ARGV[5] = jobTTL (seconds)
//
// Returns:
//
//	"CREATED"   – new job created
//	jobID       – existing inflight job (collapsed)
const LuaPublishJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local jobID       = ARGV[1]
local taskID      = ARGV[2]
local category    = ARGV[3]
local subtask     = ARGV[4]
local jobTTL      = tonumber(ARGV[5])

local existing = redis.call("GET", collapseKey)
if existing then
    local state = redis.call("HGET", "splitjob:" .. existing, "state")
    if state == "QUEUED" or state == "PROCESSING" then
        return existing
    end
    redis.call("DEL", collapseKey)
end

redis.call("HSET", jobKey,
    "job_id",   jobID,
    "task_id",  taskID,
    "category", category,
    "subtask",  subtask,
    "state",    "QUEUED",
    "node_id",  "",
    "results",  "",
    "error",    ""
)
redis.call("EXPIRE", jobKey, jobTTL)
redis.call("SET", collapseKey, jobID, "EX", jobTTL)
redis.call("RPUSH", queueKey, jobID)

return "CREATED"
`

// LuaFetchJob atomically claims a QUEUED job for a processing node.
//
// KEYS[1] = splitjob:{jobID} (hash)
// ARGV[1] = nodeID
// ARGV[2] = leaseTTL (seconds)
//
// Returns {"OK", subtask} or {"GONE"}.
const LuaFetchJob = `
local jobKey   = KEYS[1]
local nodeID   = ARGV[1]
local leaseTTL = tonumber(ARGV[2])

local state = redis.call("HGET", jobKey, "state")
if state ~= "QUEUED" then
    return {"GONE"}
end

redis.call("HSET", jobKey, "state", "PROCESSING", "node_id", nodeID)
redis.call("EXPIRE", jobKey, leaseTTL)

return {"OK", redis.call("HGET", jobKey, "subtask")}
`

// LuaCompleteJob records a node's result for the job it holds.
//
// KEYS[1] = splitjob:{jobID}       (hash)
// KEYS[2] = inflight:{taskID}      (collapsing key)
// KEYS[3] = splitjob:queue:pending (list)
// ARGV[1] = nodeID
// ARGV[2] = final state (COMPLETED | FAILED)
// ARGV[3] = results (JSON, may be empty)
// ARGV[4] = error message
// ARGV[5] = resultTTL (seconds)
//
// Returns: "OK", "INVALID", or "NODE_MISMATCH"
const LuaCompleteJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local nodeID      = ARGV[1]
local finalState  = ARGV[2]
local results     = ARGV[3]
local errMsg      = ARGV[4]
local resultTTL   = tonumber(ARGV[5])

local state = redis.call("HGET", jobKey, "state")
if state ~= "PROCESSING" then
    return "INVALID"
end
if redis.call("HGET", jobKey, "node_id") ~= nodeID then
    return "NODE_MISMATCH"
end

redis.call("HSET", jobKey, "state", finalState, "results", results, "error", errMsg)
redis.call("EXPIRE", jobKey, resultTTL)
redis.call("DEL", collapseKey)

local jobID = redis.call("HGET", jobKey, "job_id")
redis.call("LREM", queueKey, 0, jobID)

return "OK"
`

// LuaReclaimJob resets a PROCESSING job whose lease is running out.
//
// KEYS[1] = splitjob:{jobID}       (hash)
// KEYS[2] = inflight:{taskID}      (collapsing key)
// KEYS[3] = splitjob:queue:pending (list)
// ARGV[1] = jobTTL (seconds)
//
// Returns "RECLAIMED" or "NOT_NEEDED".
const LuaReclaimJob = `
local jobKey      = KEYS[1]
local collapseKey = KEYS[2]
local queueKey    = KEYS[3]
local jobTTL      = tonumber(ARGV[1])

if redis.call("HGET", jobKey, "state") ~= "PROCESSING" then
    return "NOT_NEEDED"
end

redis.call("HSET", jobKey, "state", "QUEUED", "node_id", "")
redis.call("EXPIRE", jobKey, jobTTL)

local jobID = redis.call("HGET", jobKey, "job_id")
redis.call("LREM", queueKey, 0, jobID)
redis.call("RPUSH", queueKey, jobID)
redis.call("SET", collapseKey, jobID, "EX", jobTTL)

return "RECLAIMED"
`
