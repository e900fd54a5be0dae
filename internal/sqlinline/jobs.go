package sqlinline

// Worker-side queries. The worker claims and recovers jobs through the
// SQLRunner; everything else goes through the repositories.

const QWorkerClaimJob = `--sql 5191f4f1-ec52-4b25-a7b3-facdcc208fde
UPDATE jobs
SET status = 'processing', updated_at = now()
WHERE id = (
  SELECT id FROM jobs
  WHERE status = 'queued'
  ORDER BY created_at
  LIMIT 1
  FOR UPDATE SKIP LOCKED
)
RETURNING id;
`

// Jobs stuck in processing with no outstanding request handle belong to a
// worker that died mid-step. They are re-run from the last persisted step.
const QSelectOrphanJobs = `--sql 35cdbd96-b3f6-49a0-b239-5c693702fb68
SELECT j.id
FROM jobs j
WHERE j.status = 'processing'
  AND NOT EXISTS (
    SELECT 1 FROM request_handles h WHERE h.job_id = j.id
  )
ORDER BY j.updated_at;
`

const QSelectAccountTier = `--sql f525ea6c-b815-46c6-97b4-e11f1ed38e3c
SELECT id, tier, balance
FROM accounts
WHERE id = $1::uuid;
`

const QUpdateAccountTier = `--sql 64271649-fbfc-4b4e-9ecf-a93235db71e8
UPDATE accounts
SET tier = $2, updated_at = now()
WHERE id = $1::uuid
RETURNING id, tier, balance;
`
